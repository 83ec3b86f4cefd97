package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"coinpulse/internal/app"
	"coinpulse/internal/bot"
	"coinpulse/internal/config"
	"coinpulse/internal/handler"
	"coinpulse/internal/job"
	"coinpulse/internal/logging"
	"coinpulse/pkg/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var (
	loadEnvFunc            = godotenv.Load
	loadConfigFunc         = config.Load
	setupLoggingFunc       = logging.Setup
	initTracerFunc         = tracing.InitTracer
	assembleFunc           = app.Assemble
	runComponentsFunc      = func(c *app.Components, ctx context.Context) { go c.Run(ctx) }
	newSignalPollerFunc    = job.NewSignalPoller
	startSignalPollerFunc  = func(p *job.SignalPoller, ctx context.Context) { go p.Start(ctx) }
	startTelegramBotFunc   = bot.StartTelegramBot
	newHandlerFunc         = handler.New
	newRouterFunc          = gin.New
	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

func main() {
	if err := loadEnvFunc(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := loadConfigFunc()
	setupLoggingFunc(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init tracing
	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer")
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("error shutting down tracer provider")
		}
	}()

	// Wire cache, fetcher, providers, reconciler and persistence
	components, err := assembleFunc(ctx, cfg, tracer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble signal pipeline")
	}
	defer components.Close()
	runComponentsFunc(components, ctx)

	// Alerts go to Telegram subscribers when a bot token is configured
	alerts := startTelegramBotFunc(cfg.TelegramBotToken, components.Service, components.Metrics)
	if alerts == nil {
		alerts = bot.NewAlertDispatcher(nil, components.Metrics)
	}
	components.Reconciler.OnAlert(alerts.Notify)

	// Start background refresh (stopped by ctx cancel)
	poller := newSignalPollerFunc(tracer, components.Service, cfg.SignalPollSecs, components.Metrics)
	startSignalPollerFunc(poller, ctx)

	// Create handlers and routes
	h := newHandlerFunc(tracer, components.Service, components.Monitor, components.Metrics.Handler())

	r := newRouterFunc()
	r.Use(gin.Recovery())
	r.Use(cors.Default())
	r.Use(otelgin.Middleware(tracing.ServiceName))
	r.Use(components.Metrics.Middleware())
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    httpAddr(cfg.Port),
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Info().Msg("shutting down server")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	log.Info().Msg("server exiting")
}

func httpAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return fmt.Sprintf(":%d", port)
}
