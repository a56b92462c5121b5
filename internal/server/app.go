// Package server builds the application's dependencies from configuration
// and runs the HTTP API and the worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/analytics"
	bqwarehouse "github.com/rtCamp/amp-compatibility-sub001/internal/analytics/bigquery"
	"github.com/rtCamp/amp-compatibility-sub001/internal/api"
	"github.com/rtCamp/amp-compatibility-sub001/internal/clock/system"
	"github.com/rtCamp/amp-compatibility-sub001/internal/config"
	"github.com/rtCamp/amp-compatibility-sub001/internal/dispatcher"
	"github.com/rtCamp/amp-compatibility-sub001/internal/hash/sha256"
	"github.com/rtCamp/amp-compatibility-sub001/internal/id/uuid"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	gcppublisher "github.com/rtCamp/amp-compatibility-sub001/internal/publisher/pubsub"
	rabbitpublisher "github.com/rtCamp/amp-compatibility-sub001/internal/publisher/rabbitmq"
	queuememory "github.com/rtCamp/amp-compatibility-sub001/internal/queue/memory"
	queueredis "github.com/rtCamp/amp-compatibility-sub001/internal/queue/redis"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ratelimit"
	"github.com/rtCamp/amp-compatibility-sub001/internal/retry"
	gcsstorage "github.com/rtCamp/amp-compatibility-sub001/internal/storage/gcs"
	localstorage "github.com/rtCamp/amp-compatibility-sub001/internal/storage/local"
	memorystorage "github.com/rtCamp/amp-compatibility-sub001/internal/storage/memory"
	pgstore "github.com/rtCamp/amp-compatibility-sub001/internal/storage/postgres"
	"github.com/rtCamp/amp-compatibility-sub001/internal/telemetry"
	"github.com/rtCamp/amp-compatibility-sub001/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  ingest.Clock
	ids    ingest.IDGenerator
	// migrate applies schema migrations when the relational store opens.
	migrate bool

	queue     ingest.Queue
	store     ingest.RelationalStore
	warehouse ingest.Warehouse
	blobStore ingest.BlobStore
	publisher ingest.Publisher
	policy    *retry.Policy
	readiness map[string]api.Pinger

	dispatch  *dispatcher.Dispatcher
	replayer  *worker.Replayer
	apiServer *api.Server

	memQueue       *queuememory.Queue
	redisClient    *goredis.Client
	pgStore        *pgstore.Store
	bigquery       *bqwarehouse.Warehouse
	gcsClient      *storage.Client
	pubsub         *gcppublisher.Publisher
	rabbit         *rabbitpublisher.Publisher
	tracerShutdown func(context.Context) error
}

// Build creates every dependency selected by cfg and applies pending schema
// migrations. On error, anything already opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	app := newApp(cfg, logger)
	app.migrate = true
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("db_backend", cfg.DB.Backend),
		zap.String("analytics_backend", cfg.Analytics.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("notify_backend", cfg.Notify.Backend),
	)

	if cfg.Tracing.Enabled {
		tp, terr := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if terr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", terr)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err := app.setup(ctx,
		app.setupQueue,
		app.setupDatabase,
		app.setupAnalytics,
		app.setupStorage,
		app.setupPublisher,
	); err != nil {
		return nil, err
	}

	app.setupWorkers()
	app.apiServer = api.NewServer(
		app.dispatch,
		app.queue,
		app.store,
		app.replayer,
		app.ids,
		api.Options{
			QueueName:   cfg.Queue.Name,
			AuthEnabled: cfg.Auth.Enabled,
			APIKey:      cfg.Auth.APIKey,
			Readiness:   app.readiness,
			IntakeLimiter: ratelimit.New(ratelimit.Config{
				RPS:   cfg.Server.IntakeRPS,
				Burst: cfg.Server.IntakeBurst,
			}),
		},
		app.logger,
	)
	return app, nil
}

// BuildQueue opens only the job queue. The result backs commands that inspect
// or move jobs; it cannot Serve or RunWorkers.
func BuildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := newApp(cfg, logger)
	if err := app.setup(ctx, app.setupQueue); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

// BuildReplayer opens what analytics replay needs: the queue, the relational
// store, the warehouse and the publisher. Migrations are not applied and no
// workers or HTTP server are built.
func BuildReplayer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := newApp(cfg, logger)
	if err := app.setup(ctx,
		app.setupQueue,
		app.setupDatabase,
		app.setupAnalytics,
		app.setupPublisher,
	); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	app.replayer = worker.NewReplayer(app.queue, app.store, app.warehouse, app.publisher, app.clock, app.policy,
		app.workerConfig(), app.logger.Named("replay"))
	return app, nil
}

func newApp(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:       cfg,
		logger:    logger,
		clock:     system.New(),
		ids:       uuid.New(),
		policy:    retry.New(cfg.RetryPolicy()),
		readiness: map[string]api.Pinger{},
	}
}

// setup runs steps in order and stops at the first error.
func (a *App) setup(ctx context.Context, steps ...func(context.Context) error) error {
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case "redis":
		a.redisClient = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Queue.Redis.Addr,
			Password: a.cfg.Queue.Redis.Password,
			DB:       a.cfg.Queue.Redis.DB,
		})
		q := queueredis.New(a.redisClient, a.ids, a.clock, queueredis.Options{
			Prefix:          a.cfg.Queue.Prefix,
			Lease:           a.cfg.Lease(),
			RemoveOnSuccess: a.cfg.Queue.RemoveOnSuccess,
		})
		if err := q.Ping(ctx); err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.queue = q
		a.readiness["queue"] = q
		a.logger.Info("using redis queue", zap.String("addr", a.cfg.Queue.Redis.Addr), zap.String("prefix", a.cfg.Queue.Prefix))
	default:
		a.memQueue = queuememory.NewQueue(a.ids, a.clock, queuememory.Options{
			Lease:           a.cfg.Lease(),
			RemoveOnSuccess: a.cfg.Queue.RemoveOnSuccess,
		})
		a.queue = a.memQueue
		a.logger.Info("using in-memory queue")
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.DB.Backend {
	case "postgres":
		if a.migrate {
			if err := pgstore.Migrate(a.cfg.DB.DSN, a.logger.Named("migrate")); err != nil {
				return fmt.Errorf("schema migration failed: %w", err)
			}
		}
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("relational store init failed: %w", err)
		}
		a.pgStore = store
		a.store = store
		a.readiness["db"] = store
		a.logger.Info("using postgres relational store")
	default:
		a.store = memorystorage.NewRelationalStore(a.clock)
		a.logger.Warn("using in-memory relational store; data is lost on restart")
	}
	return nil
}

func (a *App) setupAnalytics(ctx context.Context) error {
	switch a.cfg.Analytics.Backend {
	case "bigquery":
		w, err := bqwarehouse.New(ctx, bqwarehouse.Config{
			ProjectID:       a.cfg.Analytics.ProjectID,
			Dataset:         a.cfg.Analytics.Dataset,
			CredentialsFile: a.cfg.Analytics.CredentialsPath,
		})
		if err != nil {
			return fmt.Errorf("bigquery init failed: %w", err)
		}
		a.bigquery = w
		a.warehouse = w
		a.logger.Info("using bigquery analytics",
			zap.String("project", a.cfg.Analytics.ProjectID),
			zap.String("dataset", a.cfg.Analytics.Dataset),
		)
	case "none":
		a.warehouse = analytics.Discard{}
		a.logger.Info("analytics disabled")
	default:
		a.warehouse = analytics.NewMemoryWarehouse()
		a.logger.Info("using in-memory analytics warehouse")
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobStore = blobStore
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobStore = blobStore
		a.logger.Info("using local archive", zap.String("path", a.cfg.Storage.LocalDir))
	case "none":
		a.logger.Info("raw submission archive disabled")
	default:
		a.blobStore = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory archive")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case "pubsub":
		p, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			Topic:     a.cfg.PubSub.Topic,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsub = p
		a.publisher = p
		a.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	case "rabbitmq":
		p, err := rabbitpublisher.New(rabbitpublisher.Config{
			URL:        a.cfg.RabbitMQ.URL,
			Exchange:   a.cfg.RabbitMQ.Exchange,
			RoutingKey: a.cfg.RabbitMQ.RoutingKey,
			QueueName:  a.cfg.RabbitMQ.QueueName,
		}, a.clock, a.logger.Named("rabbitmq"))
		if err != nil {
			return fmt.Errorf("rabbitmq publisher init failed: %w", err)
		}
		a.rabbit = p
		a.publisher = p
		a.logger.Info("RabbitMQ notifications enabled", zap.String("exchange", a.cfg.RabbitMQ.Exchange))
	default:
		a.logger.Info("completion notifications disabled")
	}
	return nil
}

func (a *App) workerConfig() worker.Config {
	topic := ""
	if a.cfg.Notify.Backend == "pubsub" {
		topic = a.cfg.PubSub.Topic
	}
	return worker.Config{
		Queue:             a.cfg.Queue.Name,
		ArchivePrefix:     a.cfg.Storage.Prefix,
		Topic:             topic,
		HeartbeatInterval: a.cfg.Heartbeat(),
		Analytics:         analytics.Config{MaxRows: a.cfg.Analytics.MaxRowsPerFlush},
	}
}

func (a *App) setupWorkers() {
	workerCfg := a.workerConfig()
	hasher := sha256.New()
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.store,
			a.warehouse,
			a.blobStore,
			a.publisher,
			hasher,
			a.clock,
			a.policy,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, dispatcher.Config{
		Queue:         a.cfg.Queue.Name,
		StallInterval: a.cfg.StallInterval(),
	}, a.logger.Named("dispatcher"))
	a.replayer = worker.NewReplayer(a.queue, a.store, a.warehouse, a.publisher, a.clock, a.policy, workerCfg, a.logger.Named("replay"))
	a.logger.Info("worker pool configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.String("queue", workerCfg.Queue),
		zap.String("archive_prefix", workerCfg.ArchivePrefix),
		zap.Duration("heartbeat", workerCfg.HeartbeatInterval),
	)
}

// Queue returns the configured job queue.
func (a *App) Queue() ingest.Queue { return a.queue }

// QueueName returns the configured queue name.
func (a *App) QueueName() string { return a.cfg.Queue.Name }

// Replayer returns the analytics replayer.
func (a *App) Replayer() *worker.Replayer { return a.replayer }

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Serve runs the HTTP API and, when withWorkers is set, the worker pool until
// ctx is done, then shuts both down.
func (a *App) Serve(ctx context.Context, withWorkers bool) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	if withWorkers {
		go func() {
			defer close(dispatchDone)
			a.dispatch.Run(ctx)
		}()
	} else {
		close(dispatchDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.stopQueue()
	<-dispatchDone

	return <-serveErr
}

// RunWorkers runs only the worker pool until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	a.dispatch.Run(ctx)
	a.stopQueue()
	return nil
}

func (a *App) stopQueue() {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
}

// Close releases every client opened by Build.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	a.stopQueue()
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.rabbit != nil {
		if err := a.rabbit.Close(); err != nil {
			a.logger.Warn("rabbitmq publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.bigquery != nil {
		if err := a.bigquery.Close(); err != nil {
			a.logger.Warn("bigquery client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}
