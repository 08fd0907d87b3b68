package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/actions"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/analytics"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/api"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/config"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/conversation"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/dedupe"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/eventbus"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/genai"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/lockfile"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/messaging"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/orchestrator"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/recovery"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/scheduler"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/store"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/twiliowhatsapp"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/whatsapp"
)

// Subscriber names on the event bus.
const (
	analyticsSubscriber = "analytics"
	forwarderSubscriber = "nats-forwarder"
)

// activeResyncSpec is how often the active conversations gauge is reset from the store.
const activeResyncSpec = "@every 30s"

type appOptions struct {
	qrOutput    string
	numericCode bool
	skipLock    bool
}

// App owns every long-lived component of the orchestrator process.
type App struct {
	cfg *config.Config

	lock       *lockfile.Lock
	store      store.Store
	writer     *store.WriteBehind
	bots       *registry.Registry
	flows      *flow.Registry
	convs      *conversation.Store
	bus        *eventbus.Bus
	metrics    *analytics.Metrics
	nats       *nats.Conn
	dedupe     *dedupe.Cache
	providers  *messaging.Providers
	natives    *nativeSessions
	dispatcher *orchestrator.Dispatcher
	reaper     *conversation.Reaper
	sched      *scheduler.Scheduler
	server     *api.Server

	analyticsSub *eventbus.Subscription
	forwardSub   *eventbus.Subscription
	sink         *analytics.Sink
	forwarder    *analytics.Forwarder
}

// newApp builds the component graph. Seeds are registered before persisted state is
// recovered so configuration wins over stale records.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (app *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if !opts.skipLock {
		if a.lock, err = lockfile.AcquireLock(cfg.Persistence.StateDir); err != nil {
			return nil, err
		}
	}

	if a.store, err = store.Open(store.WithDSN(cfg.Persistence.DSN)); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.writer = store.NewWriteBehind(a.store, store.WithFlushInterval(cfg.Persistence.FlushInterval.Std()))

	a.flows = flow.NewRegistry()
	for _, f := range cfg.Flows {
		if err = a.flows.Register(f); err != nil {
			return nil, fmt.Errorf("seed flow %s: %w", f.ID, err)
		}
	}
	a.bots = registry.New()
	for _, bot := range cfg.Bots {
		if err = a.bots.Upsert(bot); err != nil {
			return nil, fmt.Errorf("seed bot %s: %w", bot.ID, err)
		}
	}
	a.convs = conversation.NewStore()

	rm := recovery.NewRecoveryManager(a.store)
	rm.RegisterRecoverable(&recovery.BotRecovery{Bots: a.bots})
	rm.RegisterRecoverable(&recovery.ConversationRecovery{
		Conversations: a.convs,
		Bots:          a.bots,
		IdleTimeout:   cfg.Reaper.IdleTimeout.Std(),
	})
	if err = rm.RecoverAll(ctx); err != nil {
		return nil, fmt.Errorf("recover state: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = analytics.NewMetrics(promReg)
	a.metrics.SetActive(a.convs.Len())

	a.bus = eventbus.New()
	a.analyticsSub = a.bus.Subscribe(analyticsSubscriber, cfg.EventBus.Capacity)
	a.sink = analytics.NewSink(a.bots, a.metrics)
	if cfg.NATS.URL != "" {
		if a.nats, err = analytics.ConnectNATS(cfg.NATS.URL, "conversation-orchestrator"); err != nil {
			return nil, err
		}
		a.forwarder = analytics.NewForwarder(a.nats, cfg.NATS.SubjectPrefix)
		a.forwardSub = a.bus.Subscribe(forwarderSubscriber, cfg.EventBus.Capacity)
	}

	a.dedupe = dedupe.New(cfg.Dedupe.TTL.Std(), cfg.Dedupe.MaxSize)

	httpClient := &http.Client{Timeout: cfg.Providers.CallTimeout.Std()}
	a.natives = newNativeSessions(cfg.Providers.WhatsmeowDSN, opts, a.bots, a.submit)
	factoryOpts := []messaging.FactoryOption{
		messaging.WithHTTPClient(httpClient),
		messaging.WithNativeOpener(a.natives.open),
	}
	if cfg.Providers.TwilioSID != "" {
		tw, twErr := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Providers.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.Providers.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.Providers.TwilioFrom),
		)
		if twErr != nil {
			return nil, fmt.Errorf("twilio client: %w", twErr)
		}
		factoryOpts = append(factoryOpts, messaging.WithTwilioSender(tw))
	}
	a.providers = messaging.NewProviders(messaging.NewFactory(factoryOpts...),
		messaging.WithCallTimeout(cfg.Providers.CallTimeout.Std()),
		messaging.WithFailureThreshold(cfg.Providers.FailureThreshold),
		messaging.WithOpenTimeout(cfg.Providers.OpenTimeout.Std()),
	)

	executor, err := buildExecutor(cfg, a.store, &http.Client{Timeout: cfg.Actions.Timeout.Std()})
	if err != nil {
		return nil, err
	}

	engine := flow.NewEngine(a.flows,
		flow.WithGreeting(cfg.Engine.Greeting),
		flow.WithFarewell(cfg.Engine.Farewell),
		flow.WithInvalidOption(cfg.Engine.InvalidOption),
		flow.WithMaxAutoSteps(cfg.Engine.MaxAutoSteps),
	)

	a.dispatcher = orchestrator.New(orchestrator.Deps{
		Bots:          a.bots,
		Conversations: a.convs,
		Engine:        engine,
		Events:        a.bus,
		Providers:     a.providers,
		Actions:       executor,
		Persist:       a.writer,
	},
		orchestrator.WithWorkers(cfg.Dispatcher.Workers),
		orchestrator.WithQueueSize(cfg.Dispatcher.QueueSize),
		orchestrator.WithSendRate(rate.Limit(cfg.Dispatcher.SendRate), cfg.Dispatcher.SendBurst),
	)

	a.reaper = conversation.NewReaper(a.convs, a.bus,
		conversation.WithInterval(cfg.Reaper.Interval.Std()),
		conversation.WithIdleTimeout(cfg.Reaper.IdleTimeout.Std()),
		conversation.WithBotTimeouts(a.botIdleTimeout),
		conversation.WithRemovalHook(func(state models.ConversationState) {
			a.writer.ExpireConversation(state)
		}),
	)

	a.sched = scheduler.NewScheduler()
	if err = a.sched.AddJob(cfg.Persistence.SnapshotSpec, scheduler.SnapshotBots(a.bots, a.writer)); err != nil {
		return nil, err
	}
	if err = a.sched.AddJob(activeResyncSpec, func() { a.metrics.SetActive(a.convs.Len()) }); err != nil {
		return nil, err
	}

	a.server = api.NewServer(api.Deps{
		Bots:          a.bots,
		Flows:         a.flows,
		Conversations: a.convs,
		Dispatcher:    a.dispatcher,
		Providers:     a.providers,
		Dedupe:        a.dedupe,
		Persist:       a.writer,
		Metrics:       analytics.Handler(promReg),
	},
		api.WithAddr(cfg.Server.Addr),
		api.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
	)

	slog.Info("App: components ready",
		"bots", a.bots.Len(), "flows", a.flows.Len(), "conversations", a.convs.Len(),
		"nats", a.nats != nil, "twilio", cfg.Providers.TwilioSID != "")
	return a, nil
}

// buildExecutor registers a handler for every action kind the configuration can serve.
func buildExecutor(cfg *config.Config, st store.Store, client *http.Client) (*actions.Executor, error) {
	hooks := actions.NewHookRegistry()
	if cfg.OpenAI.APIKey != "" {
		genOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAI.APIKey)}
		if cfg.OpenAI.Model != "" {
			genOpts = append(genOpts, genai.WithModel(cfg.OpenAI.Model))
		}
		gen, err := genai.NewClient(genOpts...)
		if err != nil {
			return nil, fmt.Errorf("genai client: %w", err)
		}
		hooks.Register(actions.HookGenAI, actions.GenAIHook(gen))
	}

	opts := []actions.Option{
		actions.WithTimeout(cfg.Actions.Timeout.Std()),
		actions.WithBreaker(cfg.Providers.FailureThreshold, cfg.Providers.OpenTimeout.Std()),
		actions.WithHandler(models.ActionAPICall, actions.NewAPICallHandler(client)),
		actions.WithHandler(models.ActionCustom, hooks),
		actions.WithHandler(models.ActionSendEmail, actions.NewServiceHandler(client, cfg.Actions.EmailURL)),
		actions.WithHandler(models.ActionCreateOrder, actions.NewServiceHandler(client, cfg.Actions.CommerceURL)),
		actions.WithHandler(models.ActionUpdateCustomer, actions.NewServiceHandler(client, cfg.Actions.CommerceURL)),
	}
	if db, ok := st.(interface{ DB() *sql.DB }); ok {
		opts = append(opts, actions.WithHandler(models.ActionDatabaseQuery, actions.NewQueryHandler(db.DB())))
	} else {
		slog.Warn("buildExecutor: store has no SQL database, database_query actions will fail")
	}
	slog.Debug("buildExecutor: hooks registered", "hooks", hooks.List())
	return actions.NewExecutor(opts...), nil
}

func (a *App) submit(msg models.IncomingMessage) error {
	key := dedupe.MessageKey(msg)
	if key != "" && a.dedupe.Seen(key) {
		return nil
	}
	if err := a.dispatcher.Submit(msg); err != nil {
		if key != "" {
			a.dedupe.Forget(key)
		}
		return err
	}
	return nil
}

func (a *App) botIdleTimeout(botID string) time.Duration {
	bot, ok := a.bots.Get(botID)
	if !ok {
		return 0
	}
	return bot.Settings.IdleTimeout(0)
}

// Run starts every component and blocks until ctx is cancelled or a component fails.
// In-flight messages drain before the final persistence flush.
func (a *App) Run(ctx context.Context) error {
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.writer.Run(writerCtx)
	}()

	// Consumers drain until the bus closes so the last events still count.
	consumers := &sync.WaitGroup{}
	consumeCtx := context.WithoutCancel(ctx)
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		analytics.Run(consumeCtx, a.analyticsSub, a.metrics, a.sink, analytics.LogSink{})
	}()
	if a.forwardSub != nil {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			analytics.Run(consumeCtx, a.forwardSub, a.metrics, a.forwarder)
		}()
	}

	a.dispatcher.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	runErr := g.Wait()

	slog.Info("App.Run: shutting down", "queued", a.dispatcher.Pending())
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := a.dispatcher.Stop(a.cfg.Server.ShutdownTimeout.Std()); err != nil {
		errs = append(errs, err)
	}
	a.natives.closeAll()
	a.sched.Stop()
	scheduler.SnapshotBots(a.bots, a.writer)()
	a.bus.Close()
	consumers.Wait()
	stopWriter()
	<-writerDone
	a.close()
	return errors.Join(errs...)
}

// close releases the resources newApp acquired. It tolerates a partly built App.
func (a *App) close() {
	if a.dedupe != nil {
		a.dedupe.Close()
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			slog.Warn("App.close: nats drain failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("App.close: store close failed", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			slog.Warn("App.close: lock release failed", "error", err)
		}
	}
}

// nativeSessions opens one whatsmeow session per session key and keeps it for reuse.
type nativeSessions struct {
	baseDSN string
	opts    appOptions
	bots    *registry.Registry
	submit  func(models.IncomingMessage) error

	mu       sync.Mutex
	sessions map[string]whatsapp.Session
}

func newNativeSessions(baseDSN string, opts appOptions, bots *registry.Registry, submit func(models.IncomingMessage) error) *nativeSessions {
	return &nativeSessions{
		baseDSN:  baseDSN,
		opts:     opts,
		bots:     bots,
		submit:   submit,
		sessions: make(map[string]whatsapp.Session),
	}
}

type submitFunc func(models.IncomingMessage) error

func (f submitFunc) Submit(msg models.IncomingMessage) error { return f(msg) }

func (n *nativeSessions) open(ctx context.Context, binding models.ProviderBinding) (whatsapp.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sessions[binding.SessionKey]; ok {
		return s, nil
	}
	botID, ok := n.bots.ResolveSession(binding.Kind, binding.SessionKey)
	if !ok {
		return nil, fmt.Errorf("no bot owns native session %q", binding.SessionKey)
	}

	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(nativeSessionDSN(n.baseDSN, binding.SessionKey))}
	if n.opts.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(nativeQRPath(n.opts.qrOutput, binding.SessionKey)))
	}
	if n.opts.numericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	// The session outlives the request that first needed it.
	session, err := whatsapp.NewClient(context.WithoutCancel(ctx), waOpts...)
	if err != nil {
		return nil, err
	}
	messaging.ForwardInbound(session, botID, submitFunc(n.submit))
	n.sessions[binding.SessionKey] = session
	slog.Info("nativeSessions.open: session opened", "sessionKey", binding.SessionKey, "botID", botID)
	return session, nil
}

func (n *nativeSessions) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, s := range n.sessions {
		s.Disconnect()
		delete(n.sessions, key)
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// nativeSessionDSN gives every SQLite-backed session its own device file next to base.
// PostgreSQL device stores are shared.
func nativeSessionDSN(base, sessionKey string) string {
	if store.DetectDSNType(base) == store.DriverPostgres {
		return base
	}
	path, query, _ := strings.Cut(strings.TrimPrefix(base, "file:"), "?")
	ext := filepath.Ext(path)
	path = strings.TrimSuffix(path, ext) + "-" + unsafeKeyChars.ReplaceAllString(sessionKey, "_") + ext
	dsn := "file:" + path
	if query != "" {
		dsn += "?" + query
	}
	return dsn
}

func nativeQRPath(base, sessionKey string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + unsafeKeyChars.ReplaceAllString(sessionKey, "_") + ext
}
