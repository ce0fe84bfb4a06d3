package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	explainHttp "github.com/davicafu/fieldflow/internal/explain/infra/inbound/http"
	graphHttp "github.com/davicafu/fieldflow/internal/graph/infra/inbound/http"
	outboxHttp "github.com/davicafu/fieldflow/internal/outbox/infra/inbound/http"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand arranca la API HTTP, el worker en segundo plano y, con
// Kafka, el consumidor de cambios.
func NewServeCommand(root *RootOptions) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, !noWorker)
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without the background worker")
	return cmd
}

func serve(ctx context.Context, root *RootOptions, withWorker bool) error {
	log := root.log

	a, err := buildApp(ctx, root.cfg, log)
	if err != nil {
		log.Error("❌ No se pudo inicializar la aplicación", zap.Error(err))
		return err
	}
	defer a.Close()

	a.startChangeConsumer(ctx)
	if withWorker {
		go a.worker.Start(ctx)
	}

	// ---------------- HTTP ----------------
	router := newRouter(a)
	srv := &http.Server{
		Addr:    ":" + root.cfg.HTTPPort,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Server running",
			zap.String("url", "http://localhost:"+root.cfg.HTTPPort),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("failed to start server", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("🛑 Apagando servidor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(a *app) *gin.Engine {
	router := gin.Default()

	outboxHttp.RegisterOutboxRoutes(router, outboxHttp.NewOutboxHandler(a.changes, a.operator, a.dead))
	explainHttp.RegisterExplainRoutes(router, explainHttp.NewExplainHandler(a.explain))
	graphHttp.RegisterFieldRoutes(router, graphHttp.NewFieldHandler(a.graphs, func(ctx context.Context, seed plannerDomain.ChangeSeed) error {
		_, err := a.changes.Submit(ctx, seed)
		return err
	}, a.log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
