package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/genai"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

func pending(kind models.ActionKind, name string, params map[string]string) flow.PendingAction {
	return flow.PendingAction{
		ConversationID: "bot-1:+584121234567",
		BotID:          "bot-1",
		Address:        "+584121234567",
		FlowID:         "orders",
		StepID:         "act",
		Kind:           kind,
		Name:           name,
		Parameters:     params,
		Variables:      map[string]any{"name": "Ana"},
	}
}

func TestExecutorNoHandler(t *testing.T) {
	e := NewExecutor()
	_, err := e.Execute(context.Background(), pending(models.ActionAPICall, "", nil))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestExecutorWrapsFailures(t *testing.T) {
	e := NewExecutor(WithHandler(models.ActionCustom, HandlerFunc(func(ctx context.Context, a flow.PendingAction) (Result, error) {
		return Result{}, errors.New("boom")
	})))
	_, err := e.Execute(context.Background(), pending(models.ActionCustom, "x", nil))
	var callErr *ExternalCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, models.ActionCustom, callErr.Kind)
	assert.Equal(t, "x", callErr.Name)
}

func TestExecutorTimeout(t *testing.T) {
	e := NewExecutor(
		WithTimeout(20*time.Millisecond),
		WithHandler(models.ActionCustom, HandlerFunc(func(ctx context.Context, a flow.PendingAction) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		})),
	)
	start := time.Now()
	_, err := e.Execute(context.Background(), pending(models.ActionCustom, "slow", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecutorCircuitPerKind(t *testing.T) {
	calls := 0
	failing := HandlerFunc(func(ctx context.Context, a flow.PendingAction) (Result, error) {
		calls++
		return Result{}, errors.New("down")
	})
	ok := HandlerFunc(func(ctx context.Context, a flow.PendingAction) (Result, error) {
		return Result{Variables: map[string]any{"ok": true}}, nil
	})
	e := NewExecutor(
		WithBreaker(2, time.Hour),
		WithHandler(models.ActionCreateOrder, failing),
		WithHandler(models.ActionCustom, ok),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Execute(ctx, pending(models.ActionCreateOrder, "", nil))
		require.Error(t, err)
	}
	_, err := e.Execute(ctx, pending(models.ActionCreateOrder, "", nil))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	res, err := e.Execute(ctx, pending(models.ActionCustom, "", nil))
	require.NoError(t, err)
	assert.Equal(t, true, res.Variables["ok"])
}

func TestAPICallHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"customer":"Ana"}`, string(body))
		w.Write([]byte(`{"order":{"id":"ORD-7","total":12.5}}`))
	}))
	defer srv.Close()

	h := NewAPICallHandler(srv.Client())
	res, err := h.Handle(context.Background(), pending(models.ActionAPICall, "", map[string]string{
		"url":             srv.URL,
		"body":            `{"customer":"Ana"}`,
		"headers":         "X-Api-Key: secret",
		"result_variable": "order_id",
		"result_path":     "order.id",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ORD-7", res.Variables["order_id"])
}

func TestAPICallHandlerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewAPICallHandler(nil)
	_, err := h.Handle(context.Background(), pending(models.ActionAPICall, "", map[string]string{}))
	assert.Error(t, err)

	_, err = h.Handle(context.Background(), pending(models.ActionAPICall, "", map[string]string{"url": srv.URL}))
	assert.Error(t, err)
}

func TestServiceHandler(t *testing.T) {
	var got serviceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"variables":{"order_number":"A-1","items":3}}`))
	}))
	defer srv.Close()

	h := NewServiceHandler(srv.Client(), srv.URL)
	res, err := h.Handle(context.Background(), pending(models.ActionCreateOrder, "web", map[string]string{"product": "shoes"}))
	require.NoError(t, err)

	assert.Equal(t, models.ActionCreateOrder, got.Kind)
	assert.Equal(t, "shoes", got.Parameters["product"])
	assert.Equal(t, "Ana", got.Variables["name"])
	assert.Equal(t, "A-1", res.Variables["order_number"])
	assert.Equal(t, float64(3), res.Variables["items"])
}

func TestServiceHandlerEmailRequiresRecipient(t *testing.T) {
	h := NewServiceHandler(nil, "http://localhost:1")
	_, err := h.Handle(context.Background(), pending(models.ActionSendEmail, "", map[string]string{"template": "welcome"}))
	assert.Error(t, err)

	h = NewServiceHandler(nil, "")
	_, err = h.Handle(context.Background(), pending(models.ActionUpdateCustomer, "", nil))
	assert.Error(t, err)
}

func TestQueryHandler(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE products (sku TEXT, name TEXT, stock INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO products VALUES ('S1', 'Zapato', 4)`)
	require.NoError(t, err)

	h := NewQueryHandler(db)
	res, err := h.Handle(context.Background(), pending(models.ActionDatabaseQuery, "", map[string]string{
		"query":  "SELECT name, stock FROM products WHERE sku = ?",
		"args":   "S1",
		"prefix": "product_",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Zapato", res.Variables["product_name"])
	assert.Equal(t, int64(4), res.Variables["product_stock"])

	res, err = h.Handle(context.Background(), pending(models.ActionDatabaseQuery, "", map[string]string{
		"query": "SELECT name FROM products WHERE sku = ?",
		"args":  "missing",
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Variables)

	_, err = h.Handle(context.Background(), pending(models.ActionDatabaseQuery, "", map[string]string{
		"query": "DELETE FROM products",
	}))
	assert.Error(t, err)
}

func TestHookRegistry(t *testing.T) {
	hr := NewHookRegistry()
	assert.True(t, hr.IsRegistered(HookLog))
	assert.False(t, hr.IsRegistered(HookGenAI))

	gen := &genai.MockClient{Response: "Hola Ana"}
	hr.Register(HookGenAI, GenAIHook(gen))
	assert.Equal(t, []string{HookGenAI, HookLog}, hr.List())

	res, err := hr.Handle(context.Background(), pending(models.ActionCustom, HookGenAI, map[string]string{
		"prompt":   "Greet Ana",
		"variable": "greeting",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Hola Ana", res.Variables["greeting"])
	assert.Equal(t, []string{"Greet Ana"}, gen.Calls)

	_, err = hr.Handle(context.Background(), pending(models.ActionCustom, HookLog, map[string]string{"message": "hi"}))
	assert.NoError(t, err)

	_, err = hr.Handle(context.Background(), pending(models.ActionCustom, "missing", nil))
	assert.Error(t, err)
}

func TestGenAIHookDefaults(t *testing.T) {
	hook := GenAIHook(&genai.MockClient{Response: "x"})
	res, err := hook(context.Background(), pending(models.ActionCustom, HookGenAI, map[string]string{"prompt": "p"}))
	require.NoError(t, err)
	assert.Equal(t, "x", res.Variables["genai_response"])

	_, err = hook(context.Background(), pending(models.ActionCustom, HookGenAI, map[string]string{}))
	assert.Error(t, err)
}
