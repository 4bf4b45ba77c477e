package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/nijaru/vidscribe/config"
	"github.com/nijaru/vidscribe/conversion"
	"github.com/nijaru/vidscribe/handlers"
	"github.com/nijaru/vidscribe/language"
	"github.com/nijaru/vidscribe/logger"
	"github.com/nijaru/vidscribe/middleware"
	"github.com/nijaru/vidscribe/models"
	"github.com/nijaru/vidscribe/poller"
	"github.com/nijaru/vidscribe/repository"
	"github.com/nijaru/vidscribe/repository/sqlite"
	"github.com/nijaru/vidscribe/storage"
	"github.com/nijaru/vidscribe/transcription"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const resumeLimit = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log, logFile, err := logger.NewLogger(logger.Options{
		Dir:   cfg.LogDir,
		Debug: cfg.Debug,
		JSON:  cfg.IsProduction(),
	})
	if err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logFile.Close()

	dbCfg := sqlite.DefaultDBConfig()
	dbCfg.MaxConnections = cfg.Database.MaxConnections
	dbCfg.MaxIdleConnections = cfg.Database.MaxIdleConnections
	dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime

	db, err := sqlite.InitDB(cfg.Database.Path, dbCfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()
	jobs := sqlite.NewJobRepository(db, dbCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storageCfg := storage.Config{
		AccessKey:     cfg.AWS.AccessKeyID,
		SecretKey:     cfg.AWS.SecretAccessKey,
		Region:        cfg.AWS.Region,
		Endpoint:      cfg.AWS.Endpoint,
		Bucket:        cfg.AWS.Bucket,
		PublicBaseURL: cfg.AWS.PublicBaseURL,
	}
	awsCfg, err := storage.LoadAWSConfig(ctx, storageCfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to load AWS configuration")
	}
	uploads := storage.NewFromConfig(awsCfg, storageCfg)

	converter := conversion.NewClient(conversion.Config{
		URL:     cfg.Convert.URL,
		Bucket:  cfg.Convert.Bucket,
		Timeout: cfg.Convert.Timeout,
	}, nil, log)

	backend, closeBackend := newTranscriptionBackend(cfg, awsCfg, uploads, log)
	defer closeBackend()

	outputs := uploads.WithBucket(cfg.Transcribe.OutputBucket)
	transcripts := transcription.NewService(
		backend,
		outputs,
		language.NewDetector(cfg.Transcribe.Languages),
		log,
	)

	registry := poller.NewRegistry(
		map[models.JobKind]poller.Submitter{
			models.KindConversion:    converter,
			models.KindTranscription: transcription.NewSubmitter(backend),
		},
		jobs,
		poller.RegistryConfig{
			Poll:     pollConfig(cfg.Poll, log),
			Messages: map[models.JobKind]poller.Messages{
				models.KindTranscription: {
					Start:    transcription.StartedMessage,
					Progress: "Still transcribing... (will auto-refresh)",
				},
			},
			IdleTimeout: cfg.Poll.IdleTimeout,
		},
	)
	defer registry.Close()

	resumeJobs(ctx, registry, jobs, log)

	h := handlers.New(cfg, handlers.Deps{
		Uploads:     uploads,
		Transcripts: transcripts,
		Converter:   converter,
		Sessions:    registry,
		Jobs:        jobs,
	})

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: middleware.Chain(
			h.Routes(),
			middleware.Logging(log),
			middleware.Recovery,
			middleware.CORS(cfg.CORS),
			middleware.RateLimit(cfg.RateLimit),
		),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    server.Addr,
			"version": cfg.Version,
			"backend": cfg.Transcribe.Backend,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("Server error")
		}
	case <-ctx.Done():
		log.Info("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}
	log.Info("Server stopped")
}

func pollConfig(cfg config.PollConfig, log *logrus.Logger) poller.Config {
	pc := poller.DefaultConfig()
	if cfg.Interval > 0 {
		pc.Interval = cfg.Interval
	}
	pc.MaxAttempts = cfg.MaxAttempts
	pc.MaxDuration = cfg.MaxDuration
	pc.Logger = log.WithField("component", "poller")
	return pc
}

func newTranscriptionBackend(cfg *config.Config, awsCfg aws.Config, uploads *storage.Client, log *logrus.Logger) (transcription.Backend, func()) {
	media := uploads.WithBucket(cfg.Transcribe.MediaBucket)
	outputs := uploads.WithBucket(cfg.Transcribe.OutputBucket)

	if cfg.Transcribe.Backend == config.BackendWhisper {
		b := transcription.NewWhisperBackend(
			openai.NewClient(cfg.Transcribe.OpenAIKey),
			media,
			outputs,
			transcription.WhisperConfig{
				Model:   cfg.Transcribe.WhisperModel,
				TempDir: cfg.TempDir,
				Timeout: cfg.Transcribe.Timeout,
			},
			log,
		)
		return b, b.Close
	}

	return transcription.NewAWSBackend(transcribe.NewFromConfig(awsCfg), media, outputs, log), func() {}
}

// resumeJobs restarts polling for jobs that were still running when the
// process last stopped. Sessions nobody reads are reaped as usual.
func resumeJobs(ctx context.Context, registry *poller.Registry, jobs repository.JobRepository, log *logrus.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	records, err := jobs.ListByState(ctx, models.StateInProgress, resumeLimit)
	if err != nil {
		log.WithError(err).Warn("Failed to load unfinished jobs")
		return
	}

	for _, rec := range records {
		if _, err := registry.Start(ctx, rec.Handle, ""); err != nil {
			log.WithError(err).WithField("handle", rec.Handle.String()).Warn("Failed to resume job")
		}
	}
	if len(records) > 0 {
		log.WithField("count", len(records)).Info("Resumed unfinished jobs")
	}
}
