package actions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
)

// QueryHandler runs the read-only query of a database_query step.
//
// Parameters: query (required, SELECT or WITH), args (comma separated positional
// arguments) and prefix (prepended to each output variable name). The columns of the
// first row become conversation variables; no row leaves the context unchanged.
type QueryHandler struct {
	db *sql.DB
}

// NewQueryHandler creates a QueryHandler over db.
func NewQueryHandler(db *sql.DB) *QueryHandler {
	return &QueryHandler{db: db}
}

func (h *QueryHandler) Handle(ctx context.Context, action flow.PendingAction) (Result, error) {
	query := strings.TrimSpace(action.Parameters["query"])
	if query == "" {
		return Result{}, fmt.Errorf("database_query requires a query parameter")
	}
	head := strings.ToLower(strings.Fields(query)[0])
	if head != "select" && head != "with" {
		return Result{}, fmt.Errorf("database_query only runs read queries, got %q", head)
	}

	var args []any
	if raw := action.Parameters["args"]; raw != "" {
		for _, a := range strings.Split(raw, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Result{}, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("read columns: %w", err)
	}
	if !rows.Next() {
		return Result{}, rows.Err()
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return Result{}, fmt.Errorf("scan row: %w", err)
	}

	prefix := action.Parameters["prefix"]
	out := make(map[string]any, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case []byte:
			out[prefix+col] = string(v)
		case nil:
			out[prefix+col] = ""
		default:
			out[prefix+col] = v
		}
	}
	return Result{Variables: out}, nil
}
