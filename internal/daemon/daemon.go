// Package daemon assembles the credit ledger runtime: storage, service, transports and the refill queue.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/action"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/logging"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/refillqueue"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/memorystore"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/webhook"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	readHeaderTimeout = 5 * time.Second
	riverStopTimeout  = 10 * time.Second
)

// Runtime holds the wired ledger components.
type Runtime struct {
	Service    *ledger.Service
	Dispatcher *action.Dispatcher
	Webhook    *webhook.Handler

	riverClient *river.Client[pgx.Tx]
	closers     []func() error
	logger      *zap.Logger
}

// NewRuntime opens storage, prepares schemas, seeds plans and wires the service graph.
func NewRuntime(ctx context.Context, cfg Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := &Runtime{logger: logger}
	store, pool, err := runtime.openStore(ctx, cfg)
	if err != nil {
		runtime.Close()
		return nil, err
	}

	environments := make([]ledger.Environment, 0, len(cfg.Environments))
	for _, raw := range cfg.Environments {
		environment, err := ledger.NewEnvironment(raw)
		if err != nil {
			runtime.Close()
			return nil, err
		}
		environments = append(environments, environment)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(logging.NewZapOperationLogger(logger)),
		ledger.WithEnvironments(environments...),
		ledger.WithMaxAttempts(cfg.MaxAttempts),
	)
	if err != nil {
		runtime.Close()
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	if err := SeedPlans(ctx, service, cfg.Plans); err != nil {
		runtime.Close()
		return nil, err
	}

	dispatcher, err := action.NewDispatcher(service)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	scheduler, err := runtime.newRefillScheduler(ctx, cfg, service, pool)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	events, err := webhook.NewHandler(service, scheduler, logger)
	if err != nil {
		runtime.Close()
		return nil, err
	}

	runtime.Service = service
	runtime.Dispatcher = dispatcher
	runtime.Webhook = events
	return runtime, nil
}

// Close releases storage handles in reverse order of acquisition.
func (runtime *Runtime) Close() {
	for index := len(runtime.closers) - 1; index >= 0; index-- {
		if err := runtime.closers[index](); err != nil {
			runtime.logger.Warn("close failed", zap.Error(err))
		}
	}
	runtime.closers = nil
}

func (runtime *Runtime) openStore(ctx context.Context, cfg Config) (ledger.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		return memorystore.New(), nil, nil
	case StoreDriverPGX:
		pool, err := runtime.openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool, nil
	default:
		db, cleanup, _, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		runtime.closers = append(runtime.closers, cleanup)
		if err := prepareSchema(db); err != nil {
			return nil, nil, err
		}
		var pool *pgxpool.Pool
		if cfg.RefillQueue == RefillQueueRiver {
			pool, err = runtime.openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, nil, err
			}
		}
		return gormstore.New(db), pool, nil
	}
}

func (runtime *Runtime) openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	runtime.closers = append(runtime.closers, func() error {
		pool.Close()
		return nil
	})
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pool, nil
}

func (runtime *Runtime) newRefillScheduler(ctx context.Context, cfg Config, service *ledger.Service, pool *pgxpool.Pool) (webhook.RefillScheduler, error) {
	if cfg.RefillQueue != RefillQueueRiver {
		return refillqueue.NewInlineScheduler(service)
	}
	if err := refillqueue.Migrate(ctx, pool); err != nil {
		return nil, err
	}
	worker, err := refillqueue.NewWorker(service, runtime.logger)
	if err != nil {
		return nil, err
	}
	client, err := refillqueue.NewClient(pool, worker, cfg.RiverMaxWorkers)
	if err != nil {
		return nil, err
	}
	runtime.riverClient = client
	return refillqueue.NewEnqueuer(client)
}

// PlanRegistrar is satisfied by *ledger.Service.
type PlanRegistrar interface {
	UpsertPlan(ctx context.Context, plan ledger.Plan) error
}

// SeedPlans registers the configured plans.
func SeedPlans(ctx context.Context, registrar PlanRegistrar, seeds []PlanSeed) error {
	for index, seed := range seeds {
		planID, err := ledger.NewPlanID(seed.PlanID)
		if err != nil {
			return fmt.Errorf("plans[%d]: %w", index, err)
		}
		environment, err := ledger.NewEnvironment(seed.Environment)
		if err != nil {
			return fmt.Errorf("plans[%d]: %w", index, err)
		}
		allowance, err := ledger.NewCredits(seed.MonthlyCreditAllowance)
		if err != nil {
			return fmt.Errorf("plans[%d]: %w", index, err)
		}
		plan := ledger.Plan{
			PlanID:                 planID,
			Environment:            environment,
			Name:                   seed.Name,
			MonthlyCreditAllowance: allowance,
		}
		if err := registrar.UpsertPlan(ctx, plan); err != nil {
			return fmt.Errorf("plans[%d]: %w", index, err)
		}
	}
	return nil
}

// Run serves HTTP, gRPC and, when configured, the River refill queue until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime, err := NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, runtime.Dispatcher, runtime.Webhook, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	creditServer, err := grpcserver.NewCreditServiceServer(runtime.Dispatcher)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(logger)))
	grpcserver.Register(grpcServer, creditServer)
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Serve(groupCtx, httpServer, logger)
	})
	group.Go(func() error {
		return serveGRPC(groupCtx, grpcServer, listener, logger)
	})
	if runtime.riverClient != nil {
		group.Go(func() error {
			return runRiver(groupCtx, runtime.riverClient, logger)
		})
	}
	return group.Wait()
}

func serveGRPC(ctx context.Context, grpcServer *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func runRiver(ctx context.Context, client *river.Client[pgx.Tx], logger *zap.Logger) error {
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	logger.Info("refill queue started")
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), riverStopTimeout)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Warn("refill queue stop error", zap.Error(err))
	}
	return nil
}

// Migrate prepares the ledger schema and, for the River queue, River's own tables.
func Migrate(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := &Runtime{logger: logger}
	defer runtime.Close()
	_, pool, err := runtime.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.RefillQueue == RefillQueueRiver {
		if err := refillqueue.Migrate(ctx, pool); err != nil {
			return err
		}
	}
	logger.Info("schema ready", zap.String("store_driver", cfg.StoreDriver))
	return nil
}
