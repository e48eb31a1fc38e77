// Package control wires the resilience stack from configuration: store
// backend, event bus, circuit breaker, retry engine, manager and the
// background workers.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/bastion/internal/breaker"
	"github.com/vietddude/bastion/internal/classify"
	"github.com/vietddude/bastion/internal/core/config"
	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/bastion/internal/events"
	"github.com/vietddude/bastion/internal/manager"
	"github.com/vietddude/bastion/internal/retry"
	"github.com/vietddude/bastion/internal/store"
	"github.com/vietddude/bastion/internal/store/memory"
	"github.com/vietddude/bastion/internal/store/postgres"
	redisstore "github.com/vietddude/bastion/internal/store/redis"
	"github.com/vietddude/bastion/internal/worker"
)

// Stack is the assembled resilience layer.
type Stack struct {
	cfg     *config.AppConfig
	Store   store.Store
	Bus     *events.Bus
	Breaker *breaker.Breaker
	Engine  *retry.Engine
	Manager *manager.Manager

	closers []func() error
}

// New builds a Stack from configuration.
func New(ctx context.Context, cfg *config.AppConfig) (*Stack, error) {
	s := &Stack{cfg: cfg}

	var err error
	s.Store, err = s.buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.Bus = events.NewBus(0)
	s.Breaker = breaker.New(s.Store, s.Bus, cfg.Breaker)
	for _, ov := range cfg.Circuits {
		s.Breaker.Configure(domain.CircuitKey{
			Provider: ov.Provider,
			Region:   ov.Region,
			Engine:   ov.Engine,
			TenantID: ov.TenantID,
			Resource: ov.Resource,
		}, ov.Breaker)
	}
	s.Engine = retry.NewEngine(classify.New(), s.Breaker, s.Store, s.Bus, cfg.Retry)
	s.Manager = manager.New(s.Breaker, s.Engine, s.Store, s.Bus)

	return s, nil
}

func (s *Stack) buildStore(ctx context.Context, cfg *config.AppConfig) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(cfg.Budget.Cap), nil
	case "redis":
		client, err := redisstore.NewClient(cfg.Store.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		return redisstore.NewStore(client, cfg.Budget.Cap), nil
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Store.Database)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		return postgres.NewStore(db, cfg.Budget.Cap), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Start launches the background workers. They stop when ctx is cancelled.
func (s *Stack) Start(ctx context.Context) error {
	expirer := worker.NewExpirer(s.Store, s.cfg.Workers.DLQExpiryInterval)
	replenisher := worker.NewReplenisher(s.Store, s.cfg.Budget.ReplenishInterval)

	go expirer.Start(ctx)
	go replenisher.Start(ctx)

	slog.Info("resilience stack started",
		"backend", s.cfg.Store.Backend,
		"budget_cap", s.cfg.Budget.Cap,
	)
	return nil
}

// Stop releases backend connections.
func (s *Stack) Stop(ctx context.Context) error {
	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	slog.Info("resilience stack stopped")
	return firstErr
}
