// Package broker composes every subsystem into one context value built
// at startup and passed through to the handlers. Components never
// reference routes; hot-reloadable policy sits behind an atomic
// snapshot; everything else is wired once and immutable.
package broker

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/aegnix/abi/internal/admission"
	"github.com/aegnix/abi/internal/audit"
	"github.com/aegnix/abi/internal/bus"
	"github.com/aegnix/abi/internal/config"
	"github.com/aegnix/abi/internal/keyring"
	"github.com/aegnix/abi/internal/mesh"
	"github.com/aegnix/abi/internal/metrics"
	"github.com/aegnix/abi/internal/policy"
	"github.com/aegnix/abi/internal/reflection"
	"github.com/aegnix/abi/internal/runtime"
	"github.com/aegnix/abi/internal/sessions"
	"github.com/aegnix/abi/internal/storage"
	"github.com/aegnix/abi/internal/tokens"
)

// Broker is the assembled ABI. One value, constructed by New, owns the
// lifetime of every component and the background tasks.
type Broker struct {
	Config     *config.Config
	Store      storage.Storage
	Keyring    *keyring.Keyring
	Policy     *policy.Snapshot
	Sessions   *sessions.Manager
	Admission  *admission.Service
	Tokens     *tokens.Service
	Runtime    *runtime.Registry
	Reflection *reflection.Queries
	RefStore   reflection.Store
	Bus        *bus.Bus
	Mesh       mesh.Transport
	Audit      *audit.Trail
	Metrics    *metrics.Metrics

	reloader *policy.Reloader
	sweeper  *runtime.Sweeper
	logger   *log.Logger
}

// New wires the full broker from configuration. The storage schema, the
// keyring warm load, the reflection sink registration and the runtime
// transition bridge all happen here so main stays a thin shell.
func New(ctx context.Context, cfg *config.Config) (*Broker, error) {
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}

	keys := keyring.New(store)
	if err := keys.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	sess := sessions.NewManager(store)
	if err := sess.EnsureTables(ctx); err != nil {
		store.Close()
		return nil, err
	}
	for name, p := range cfg.Sessions.Profiles {
		sess.OverrideProfile(name, sessions.Profile{
			SessionLifetimeSec: p.SessionLifetimeSec,
			RefreshLifetimeSec: p.RefreshLifetimeSec,
			AccessTTLSec:       p.AccessTTLSec,
			MaxIdleSec:         p.MaxIdleSec,
		})
	}

	tok, err := tokens.NewService(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgo, cfg.JWTTTL())
	if err != nil {
		store.Close()
		return nil, err
	}

	reg, err := runtime.NewRegistry(
		time.Duration(cfg.Sweeper.StaleAfterSec)*time.Second,
		time.Duration(cfg.Sweeper.DeadAfterSec)*time.Second)
	if err != nil {
		store.Close()
		return nil, err
	}

	refStore, err := reflection.NewSQLStore(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	transport, err := mesh.Open(cfg.Mesh)
	if err != nil {
		store.Close()
		return nil, err
	}

	b := &Broker{
		Config:     cfg,
		Store:      store,
		Keyring:    keys,
		Policy:     policy.NewSnapshot(policy.NewEngine(&policy.StaticPolicy{Subjects: map[string]policy.SubjectRule{}}, nil)),
		Sessions:   sess,
		Admission:  admission.NewService(keys, time.Duration(cfg.Auth.NonceTTLSeconds)*time.Second),
		Tokens:     tok,
		Runtime:    reg,
		Reflection: reflection.NewQueries(refStore),
		RefStore:   refStore,
		Bus:        bus.New(),
		Mesh:       transport,
		Audit:      audit.New(store, slog.New(slog.NewJSONHandler(os.Stdout, nil))),
		Metrics:    metrics.New(),
		logger:     log.New(os.Stdout, "[ABI] ", log.LstdFlags),
	}

	// Lattice crossings fan out on the bus; the reflection sink picks
	// them up from there like any other subscriber.
	reg.SetHook(func(t runtime.Transition) {
		b.Metrics.Transitions.WithLabelValues(t.From, t.To).Inc()
		b.Bus.Publish(reflection.TopicTransition, bus.Message{
			"ae_id":      t.AEID,
			"session_id": t.SessionID,
			"from_state": t.From,
			"to_state":   t.To,
			"reason":     t.Reason,
			"ts":         t.TS,
		})
	})

	sink := reflection.NewSink(refStore)
	sink.Register(b.Bus)

	b.reloader = policy.NewReloader(cfg.Policy.Path, store, b.Policy, time.Duration(cfg.Policy.WatchIntervalSec)*time.Second)
	if err := b.reloader.Rebuild(ctx); err != nil {
		b.logger.Printf("initial policy load failed (fence empty until reload): %v", err)
	}

	return b, nil
}

// Start launches the background tasks: policy reloader, runtime
// sweeper, nonce janitor.
func (b *Broker) Start() {
	b.reloader.Start()
	b.sweeper = runtime.NewSweeper(b.Runtime, time.Duration(b.Config.Sweeper.IntervalSec)*time.Second)
	b.Admission.Nonces().StartJanitor(time.Minute)
	b.logger.Printf("broker started")
}

// Stop terminates background tasks and closes external handles.
func (b *Broker) Stop() {
	if b.sweeper != nil {
		b.sweeper.Stop()
	}
	b.reloader.Stop()
	b.Admission.Nonces().Stop()
	if err := b.Mesh.Close(); err != nil {
		b.logger.Printf("mesh close: %v", err)
	}
	if err := b.Store.Close(); err != nil {
		b.logger.Printf("store close: %v", err)
	}
	b.logger.Printf("broker stopped")
}

// RebuildPolicy forces a synchronous policy rebuild, used by the
// capability route so declarations are enforceable immediately instead
// of after the next watcher tick.
func (b *Broker) RebuildPolicy(ctx context.Context) error {
	return b.reloader.Rebuild(ctx)
}

// Heartbeat records runtime activity and publishes the semantic event
// the reflection sink consumes. It never returns an error; liveness
// bookkeeping must not affect the outcome of the operation that drove it.
func (b *Broker) Heartbeat(aeID, sessionID, source, intent, subject, quality string) {
	b.Runtime.Heartbeat(aeID, runtime.HeartbeatOpts{
		SessionID: sessionID,
		Source:    source,
		Intent:    intent,
		Subject:   subject,
		Quality:   quality,
	})
	b.updateRuntimeGauges()
	b.Bus.Publish(reflection.TopicRuntime, bus.Message{
		"ae_id":      aeID,
		"session_id": sessionID,
		"source":     source,
		"intent":     intent,
		"subject":    subject,
		"quality":    quality,
		"ts":         float64(time.Now().UnixNano()) / 1e9,
	})
}

func (b *Broker) updateRuntimeGauges() {
	all := b.Runtime.All()
	for state, recs := range all {
		b.Metrics.RuntimeState.WithLabelValues(state).Set(float64(len(recs)))
	}
}
