package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/marcushq/marcus/internal/assignment"
	"github.com/marcushq/marcus/internal/classifier"
	"github.com/marcushq/marcus/internal/convlog"
	"github.com/marcushq/marcus/internal/dispatch"
	"github.com/marcushq/marcus/internal/eventbus"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/lease"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/persistence"
	"github.com/marcushq/marcus/internal/project"
	"github.com/marcushq/marcus/internal/resilience"
)

// Options are runtime collaborators the config file cannot express.
type Options struct {
	// Classifier is the external task classifier. Ignored unless
	// classifier.enabled is set.
	Classifier classifier.Classifier
}

// App is the assembled server: storage, project contexts, dispatcher, and
// transports.
type App struct {
	Config     Config
	Store      persistence.Store
	Projects   *project.Manager
	Convlog    *convlog.Log
	Dispatcher *dispatch.Dispatcher

	http *dispatch.HTTPServer
	log  zerolog.Logger
}

// Build wires an App from configuration.
func Build(cfg Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.WithComponent("app")

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	clf := opts.Classifier
	if !cfg.Classifier.Enabled {
		clf = nil
	} else if clf == nil {
		log.Warn().Msg("classifier.enabled is set but no classifier is wired, rescoring disabled")
	}
	var clfBreaker *resilience.CircuitBreaker
	if clf != nil {
		clfBreaker = resilience.NewCircuitBreaker("classifier", resilience.BreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  time.Duration(cfg.CircuitBreaker.RecoveryTimeoutSeconds) * time.Second,
		})
	}

	attachSink, err := buildKanbanSink(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	deps := project.Deps{
		BusConfig: eventbus.Config{
			HistorySize:   cfg.EventBus.HistorySize,
			PersistEvents: cfg.PersistEvents(),
		},
		LeaseConfig: lease.Config{
			DefaultTTL:      cfg.LeaseTTL(),
			ReclaimInterval: cfg.ReclaimInterval(),
		},
		EngineConfig:      assignment.Config{LeaseTTL: cfg.LeaseTTL()},
		Classifier:        clf,
		ClassifierBreaker: clfBreaker,
		AttachSink:        attachSink,
	}
	projects, err := project.NewManager(store, cfg.ContextCache.Capacity, deps)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dataDir, err := DataDir()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	conv, err := convlog.Open(filepath.Join(dataDir, "conversation.jsonl"))
	if err != nil {
		projects.Close(context.Background())
		_ = store.Close()
		return nil, err
	}

	d := dispatch.New(projects, store, conv)
	return &App{
		Config:     cfg,
		Store:      store,
		Projects:   projects,
		Convlog:    conv,
		Dispatcher: d,
		http:       dispatch.NewHTTPServer(d, cfg.Server.HTTPAddr),
		log:        log,
	}, nil
}

func buildStore(cfg Config) (persistence.Store, error) {
	switch cfg.Persistence.Backend {
	case BackendMemory:
		return persistence.NewMemoryStore(), nil
	case BackendFile:
		root := cfg.Persistence.Path
		if root == "" {
			dataDir, err := DataDir()
			if err != nil {
				return nil, err
			}
			root = filepath.Join(dataDir, "records")
		}
		return persistence.NewFileStore(root)
	default:
		path := cfg.Persistence.Path
		if path == "" {
			dataDir, err := DataDir()
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(dataDir, 0o750); err != nil {
				return nil, err
			}
			path = filepath.Join(dataDir, "marcus.db")
		}
		return persistence.NewSQLiteStore(path, cfg.Persistence.PoolSize)
	}
}

// buildKanbanSink returns the per-project sink attach func, or nil when
// kanban sync is off.
func buildKanbanSink(cfg Config) (func(string, *eventbus.Bus) func(), error) {
	if cfg.Kanban.Provider == "" || cfg.Kanban.Provider == kanban.ProviderNone {
		return nil, nil
	}
	provider, err := kanban.NewProvider(cfg.Kanban.Provider)
	if err != nil {
		return nil, err
	}
	kcfg := kanban.Config{
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds * float64(time.Second)),
			MaxDelay:    time.Duration(cfg.Retry.MaxDelaySeconds * float64(time.Second)),
			Jitter:      cfg.RetryJitter(),
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  time.Duration(cfg.CircuitBreaker.RecoveryTimeoutSeconds) * time.Second,
		},
	}
	return func(projectID string, bus *eventbus.Bus) func() {
		return kanban.Attach(projectID, bus, provider, kcfg)
	}, nil
}

// Run serves the configured transports until ctx is cancelled, then shuts
// down cleanly.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.Config.Server.HTTPAddr != "" {
		g.Go(func() error {
			a.log.Info().Str("addr", a.Config.Server.HTTPAddr).Msg("http transport listening")
			return a.http.ListenAndServe()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.http.Shutdown(shutdownCtx)
		})
	}
	if a.Config.Server.Stdio {
		g.Go(func() error {
			a.log.Info().Msg("stdio transport attached")
			return a.Dispatcher.ServeStdio(ctx, os.Stdin, os.Stdout)
		})
	}

	err := g.Wait()
	a.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every resource the App owns. Safe after a failed Run.
func (a *App) Close() {
	a.Projects.Close(context.Background())
	if err := a.Convlog.Close(); err != nil {
		a.log.Warn().Err(err).Msg("conversation log close failed")
	}
	if err := a.Store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
	a.log.Info().Msg("server stopped")
}
