package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/davicafu/fieldflow/internal/config"
	explainApp "github.com/davicafu/fieldflow/internal/explain/application"
	graphApp "github.com/davicafu/fieldflow/internal/graph/application"
	graphSQLite "github.com/davicafu/fieldflow/internal/graph/infra/outbound/db/sqlite"
	outboxApp "github.com/davicafu/fieldflow/internal/outbox/application"
	outboxDomain "github.com/davicafu/fieldflow/internal/outbox/domain"
	outboxConsumer "github.com/davicafu/fieldflow/internal/outbox/infra/inbound/events"
	outboxClickHouse "github.com/davicafu/fieldflow/internal/outbox/infra/outbound/analytics/clickhouse"
	outboxPostgres "github.com/davicafu/fieldflow/internal/outbox/infra/outbound/db/postgre"
	outboxSQLite "github.com/davicafu/fieldflow/internal/outbox/infra/outbound/db/sqlite"
	outboxPublisher "github.com/davicafu/fieldflow/internal/outbox/infra/outbound/events"
	plannerApp "github.com/davicafu/fieldflow/internal/planner/application"
	recordDomain "github.com/davicafu/fieldflow/internal/record/domain"
	recordMongo "github.com/davicafu/fieldflow/internal/record/infra/outbound/db/mongodb"
	recordSQLite "github.com/davicafu/fieldflow/internal/record/infra/outbound/db/sqlite"
	infraEvents "github.com/davicafu/fieldflow/internal/shared/infra/events"
	sharedBus "github.com/davicafu/fieldflow/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/fieldflow/internal/shared/infra/platform/cache"
	sharedPostgres "github.com/davicafu/fieldflow/internal/shared/infra/platform/db/postgres"
	sharedSQLite "github.com/davicafu/fieldflow/internal/shared/infra/platform/db/sqlite"
)

// outboxStore es el repositorio de tareas con su cara de dead-letter; ambos
// backends implementan las dos.
type outboxStore interface {
	outboxDomain.OutboxRepository
	outboxDomain.DeadLetterRepository
}

// app agrupa los servicios ya cableados. Close libera los recursos en orden
// inverso a su apertura.
type app struct {
	cfg      *config.Config
	graphs   *graphApp.GraphService
	worker   *outboxApp.Worker
	changes  *outboxApp.ChangeService
	operator *outboxApp.OperatorService
	dead     *outboxApp.DeadLetterService
	explain  *explainApp.ExplainService
	closers  []func() error
	log      *zap.Logger
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("⚠️ Error al cerrar recurso", zap.Error(err))
		}
	}
	a.closers = nil
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	// ---------------- DB ----------------
	// Las definiciones de campos viven siempre en SQLite.
	db, err := sharedSQLite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.onClose(db.Close)

	if err := graphSQLite.InitSQLite(db); err != nil {
		return nil, fmt.Errorf("init field schema: %w", err)
	}
	fields := graphSQLite.NewFieldRepoSQLite(db)

	records, err := a.openRecords(ctx, db)
	if err != nil {
		return nil, err
	}

	outbox, err := a.openOutbox(ctx, db)
	if err != nil {
		return nil, err
	}

	// ---------------- Cache ----------------
	graphs := graphApp.NewGraphService(fields, a.openCache(ctx), int(cfg.GraphCacheTTL.Seconds()), log)

	// ---------------- Events ---------------
	sink := outboxPublisher.NewTaskEventPublisher(a.openTaskBus(ctx))

	// -------------- Analytics --------------
	var runLog outboxDomain.RunLogger
	if cfg.ClickHouseAddr != "" {
		repo, err := outboxClickHouse.NewRunLogRepo(cfg.ClickHouseAddr, cfg.ClickHouseDB)
		if err != nil {
			log.Warn("⚠️ ClickHouse no disponible, historial de ejecuciones desactivado", zap.Error(err))
		} else if err := repo.InitSchema(ctx); err != nil {
			log.Warn("⚠️ No se pudo crear la tabla de ejecuciones", zap.Error(err))
			_ = repo.Close()
		} else {
			a.onClose(repo.Close)
			runLog = repo
			log.Info("✅ ClickHouse conectado, historial de ejecuciones habilitado")
		}
	}

	// --------------- Servicios --------------
	planner := plannerApp.NewPlanner(plannerApp.Limits{
		MaxRecordsPerStep: cfg.MaxRecordsPerStep,
		MaxPlanRecords:    cfg.MaxPlanRecords,
	}, log)
	executor := outboxApp.NewExecutor(graphs, planner, records, log)
	policy := outboxDomain.BackoffPolicy{
		Base:   cfg.BackoffBase,
		Max:    cfg.BackoffMax,
		Jitter: cfg.BackoffJitter,
	}

	a.graphs = graphs
	a.worker = outboxApp.NewWorker(outbox, executor, sink, runLog, policy, outboxApp.WorkerConfig{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.PollInterval,
		BatchLimit:   cfg.BatchLimit,
		LeaseTimeout: cfg.LeaseTimeout,
	}, log)
	a.changes = outboxApp.NewChangeService(graphs, planner, outboxApp.NewEnqueuer(outbox, cfg.MaxAttempts, log), a.worker, log)
	a.operator = outboxApp.NewOperatorService(outbox, a.worker, sink, log)
	a.dead = outboxApp.NewDeadLetterService(outbox, a.worker, cfg.MaxAttempts, log)
	a.explain = explainApp.NewExplainService(graphs, planner, records, outbox, log)

	ready = true
	return a, nil
}

func (a *app) openRecords(ctx context.Context, db *sql.DB) (recordDomain.RecordStore, error) {
	if a.cfg.RecordBackend != "mongo" {
		if err := recordSQLite.InitSQLite(db); err != nil {
			return nil, fmt.Errorf("init record schema: %w", err)
		}
		return recordSQLite.NewRecordStoreSQLite(db), nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	a.onClose(func() error { return client.Disconnect(context.Background()) })

	store, err := recordMongo.NewRecordStoreMongoDB(ctx, client, a.cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure record indexes: %w", err)
	}
	a.log.Info("✅ MongoDB conectado para registros", zap.String("database", a.cfg.MongoDatabase))
	return store, nil
}

func (a *app) openOutbox(ctx context.Context, db *sql.DB) (outboxStore, error) {
	if a.cfg.OutboxBackend == config.BackendPostgres {
		pg, err := sharedPostgres.Open(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.onClose(pg.Close)
		if err := outboxPostgres.InitPostgres(ctx, pg); err != nil {
			return nil, fmt.Errorf("init outbox schema: %w", err)
		}
		a.log.Info("✅ Outbox en PostgreSQL")
		return outboxPostgres.NewOutboxRepoPostgres(pg), nil
	}

	if err := outboxSQLite.InitSQLite(db); err != nil {
		return nil, fmt.Errorf("init outbox schema: %w", err)
	}
	a.log.Info("✅ Outbox en SQLite", zap.String("path", a.cfg.SQLitePath))
	return outboxSQLite.NewOutboxRepoSQLite(db), nil
}

func (a *app) openCache(ctx context.Context) sharedCache.Cache {
	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.log.Warn("⚠️ Redis no disponible, cache en memoria", zap.Error(err))
		_ = rdb.Close()
		mem := sharedCache.NewInMemoryCache(a.cfg.GraphCacheTTL, 3*a.cfg.GraphCacheTTL)
		a.onClose(func() error { mem.Stop(); return nil })
		return mem
	}
	a.onClose(rdb.Close)
	a.log.Info("✅ Redis conectado, cache de grafos habilitada")
	return sharedCache.NewRedisCache(rdb, "fieldflow", a.cfg.GraphCacheTTL)
}

// openTaskBus elige dónde se publican los eventos de ciclo de vida de tareas.
func (a *app) openTaskBus(ctx context.Context) sharedBus.EventBus {
	if a.cfg.UseKafka {
		a.log.Info("🚀 Usando Kafka como bus de eventos", zap.String("topic", a.cfg.KafkaTaskTopic))
		publisher := infraEvents.NewKafkaPublisher(infraEvents.NewKafkaWriter(a.cfg.KafkaBrokers, a.cfg.KafkaTaskTopic), a.log)
		a.onClose(publisher.Close)
		return publisher
	}

	a.log.Info("⚡️Usando bus de eventos en memoria (canales de Go)")
	bus := infraEvents.NewInMemoryEventBus(a.cfg.KafkaTaskTopic)

	a.log.Info("🎧 Iniciando listener en memoria para eventos de tarea")
	infraEvents.BackgroundConsumerChan(ctx, bus.Subscribe(64), outboxConsumer.NewTaskEventLogger(a.log))
	return bus
}

// startChangeConsumer escucha el topic de cambios. Sin Kafka los cambios
// entran sólo por HTTP.
func (a *app) startChangeConsumer(ctx context.Context) {
	if !a.cfg.UseKafka {
		a.log.Info("ℹ️ Consumo de cambios por Kafka desactivado; sólo POST /changes")
		return
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  a.cfg.KafkaBrokers,
		Topic:    a.cfg.KafkaChangeTopic,
		GroupID:  a.cfg.KafkaGroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	a.onClose(reader.Close)

	consumer := outboxConsumer.NewChangeConsumer(a.changes, a.log)
	infraEvents.NewConsumerAdapter(reader, consumer, a.log).Start(ctx)
}
