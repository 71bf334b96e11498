package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/aggregator"
	"github.com/example/wa-gateway/internal/alert"
	"github.com/example/wa-gateway/internal/api"
	"github.com/example/wa-gateway/internal/bridge"
	"github.com/example/wa-gateway/internal/config"
	"github.com/example/wa-gateway/internal/kafka/consumer"
	"github.com/example/wa-gateway/internal/kafka/producer"
	kafkapublisher "github.com/example/wa-gateway/internal/kafka/publisher"
	"github.com/example/wa-gateway/internal/logger"
	"github.com/example/wa-gateway/internal/media"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/notify"
	"github.com/example/wa-gateway/internal/sender"
	"github.com/example/wa-gateway/internal/session"
	"github.com/example/wa-gateway/internal/store"
	"github.com/example/wa-gateway/internal/webhook"
	"github.com/example/wa-gateway/internal/worker"
	sendvalidator "github.com/example/wa-gateway/internal/worker/validator/send"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, logCloser, err := logger.NewWithFile(cfg.App.Env, cfg.App.LogLevel, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fail("logger init", err)
	}
	defer logCloser.Close()
	log := baseLogger.With().Str("service", "wa-gateway").Logger()

	var (
		prod   *producer.Producer
		events *kafkapublisher.EventPublisher
	)
	if cfg.Kafka.Enabled() {
		prod, err = producer.New(cfg.Kafka.Brokers, log.With().Str("component", "kafka").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
		events = kafkapublisher.NewEventPublisher(prod, cfg.Kafka.EventsTopic, log.With().Str("component", "event-publisher").Logger())
	}

	var journal *store.Journal
	if cfg.Store.Path != "" {
		journal, err = store.Open(cfg.Store.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open dispatch journal")
		}
		defer func() {
			if err := journal.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close dispatch journal")
			}
		}()
	}

	notifier, err := notify.New(cfg.Alert, cfg.SMTP, log.With().Str("component", "notifier").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise alert notifier")
	}

	alertDeps := alert.Dependencies{Notifier: notifier, Logger: log}
	if events != nil {
		alertDeps.Events = events
	}
	alerts, err := alert.New(alert.Config{Cooldown: cfg.Alert.Cooldown}, alertDeps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise alert coordinator")
	}

	factory, err := newFactory(cfg.Session, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise session factory")
	}

	// The supervisor only delivers units after Connect, by which time queue is set.
	var queue *aggregator.Queue
	observers := []session.Observer{alerts.SessionObserver()}
	if events != nil {
		observers = append(observers, kafkapublisher.NewSessionEvents(events))
	}
	supervisor, err := session.NewSupervisor(session.Config{
		AuthDir:              cfg.Session.AuthDir,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.Session.ReconnectBaseDelay,
		ReconnectCooldown:    cfg.Session.ReconnectCooldown,
		SetupRetryDelay:      cfg.Session.SetupRetryDelay,
	}, session.Dependencies{
		Factory:   factory,
		Sink:      session.SinkFunc(func(unit models.InboundUnit) { queue.Ingest(unit) }),
		Observers: observers,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise session supervisor")
	}

	webhookDeps := webhook.Dependencies{
		Sessions: supervisor,
		Alerts:   alerts,
		Logger:   log,
	}
	if journal != nil {
		webhookDeps.Journal = journal
	}
	if events != nil {
		webhookDeps.Events = events
	}
	dispatcher, err := webhook.NewDispatcher(webhook.Config{
		URL:     cfg.Webhook.URL,
		Timeout: cfg.Webhook.Timeout,
		Port:    cfg.App.Port,
		Pacing:  webhook.Pacing{Base: cfg.Pacing.Base, PerChar: cfg.Pacing.PerChar, Max: cfg.Pacing.Max},
	}, webhookDeps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise webhook dispatcher")
	}

	queue, err = aggregator.New(aggregator.Config{
		Debounce:            cfg.Aggregator.Debounce,
		DispatchConcurrency: cfg.Aggregator.DispatchConcurrency,
	}, aggregator.Dependencies{Dispatcher: dispatcher, Logger: log})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise aggregation queue")
	}

	fetcher := media.NewFetcher(log.With().Str("component", "media").Logger(), media.WithMaxBytes(int64(cfg.Validation.MsgMaxBytes)))
	transcoder := media.NewFFmpeg(cfg.Send.FFmpegPath, media.ExecRunner{}, log.With().Str("component", "ffmpeg").Logger())
	sendService, err := sender.New(sender.Config{
		DefaultSession:      cfg.Session.Name,
		Timeout:             cfg.Send.Timeout,
		MediaTimeout:        cfg.Send.MediaTimeout,
		ForceVoiceTranscode: cfg.Send.ForceVoiceTranscode,
		TextMax:             cfg.Validation.TextMax,
		MaxMediaBytes:       cfg.Validation.MsgMaxBytes,
	}, sender.Dependencies{
		Sessions:   supervisor,
		Fetcher:    fetcher,
		Transcoder: transcoder,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise sender")
	}

	apiDeps := api.Dependencies{
		Sender:   sendService,
		Sessions: supervisor,
		Alerts:   alerts,
		Logger:   log,
	}
	if journal != nil {
		apiDeps.Dispatches = journal
	}
	handler, err := api.NewHandler(api.Config{RatePerSecond: cfg.Send.RatePerSecond, RateBurst: cfg.Send.RateBurst}, apiDeps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise api handler")
	}
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           api.NewRouter(handler, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.App.Port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var engine *worker.Engine
	if cfg.Kafka.Enabled() {
		engine = startWorker(ctx, cfg, prod, sendService, log, errCh)
	}

	if err := supervisor.Connect(cfg.Session.Name); err != nil {
		log.Warn().Err(err).Msg("initial connect failed; retry scheduled")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("gateway terminated with error")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if engine != nil {
		engine.Wait()
	}
	if err := queue.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("aggregation queue did not drain")
	}
	if err := supervisor.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close session supervisor")
	}
	alerts.Wait()
	log.Info().Msg("shutdown complete")
}

func newFactory(cfg config.SessionConfig, log zerolog.Logger) (session.Factory, error) {
	factoryLogger := log.With().Str("component", "session-handle").Str("backend", cfg.Backend).Logger()
	if cfg.Backend == "mock" {
		return bridge.NewMockFactory(factoryLogger, bridge.WithAutoOpen(true)), nil
	}
	return bridge.NewFactory(cfg.BridgeURL, factoryLogger)
}

// startWorker consumes send commands from Kafka until ctx is cancelled. The
// consumer is closed once Consume returns.
func startWorker(ctx context.Context, cfg *config.Config, prod *producer.Producer, sendService *sender.Service, log zerolog.Logger, errCh chan<- error) *worker.Engine {
	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, log.With().Str("component", "consumer").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}

	statusPublisher := kafkapublisher.NewStatusPublisher(prod, cfg.Kafka.SendStatusTopic, log.With().Str("component", "status-publisher").Logger())
	dlqPublisher := kafkapublisher.NewDLQPublisher(prod, cfg.Kafka.SendDLQTopic, log.With().Str("component", "dlq-publisher").Logger())
	validator := sendvalidator.New(cfg.Validation, log.With().Str("component", "send-validator").Logger())

	engine, err := worker.NewEngine(worker.Config{
		MsgMaxBytes: cfg.Validation.MsgMaxBytes,
		MaxAttempts: cfg.Worker.MaxAttempts,
		BaseBackoff: cfg.Worker.BaseBackoff,
		MaxBackoff:  cfg.Worker.MaxBackoff,
		Concurrency: cfg.Worker.Concurrency,
	}, worker.Dependencies{
		Sender:          sendService,
		Validator:       validator,
		StatusPublisher: statusPublisher,
		DLQPublisher:    dlqPublisher,
		Logger:          log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker engine")
	}

	go func() {
		defer func() {
			if err := cons.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka consumer")
			}
		}()
		if err := cons.Consume(ctx, []string{cfg.Kafka.SendRequestTopic}, worker.KafkaHandler(engine, cons)); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	log.Info().Str("request_topic", cfg.Kafka.SendRequestTopic).Msg("send command worker started")
	return engine
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("gateway init failed")
}
