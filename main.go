package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/aws_s3"
	"github.com/IliaW/front-page-snapshot-worker/internal/broker"
	cacheClient "github.com/IliaW/front-page-snapshot-worker/internal/cache"
	"github.com/IliaW/front-page-snapshot-worker/internal/capturer"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	"github.com/IliaW/front-page-snapshot-worker/internal/persistence"
	"github.com/IliaW/front-page-snapshot-worker/internal/pipeline"
	"github.com/IliaW/front-page-snapshot-worker/internal/prober"
	"github.com/IliaW/front-page-snapshot-worker/internal/robots"
	"github.com/IliaW/front-page-snapshot-worker/internal/session"
	"github.com/IliaW/front-page-snapshot-worker/internal/storage"
	"github.com/go-sql-driver/mysql"
	"github.com/lmittmann/tint"
)

var (
	cfg        *config.Config
	log        *slog.Logger
	db         *sql.DB
	s3         aws_s3.BucketClient
	cache      cacheClient.CachedClient
	targetRepo persistence.TargetStorage
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	log = setupLogger()
	log.Info("starting application.", slog.String("env", cfg.Env),
		slog.String("version", cfg.Version))

	if cfg.DbSettings.Enabled {
		db = setupDatabase()
		defer closeDatabase()
		targetRepo = persistence.NewTargetRepository(db, log)
	}
	if cfg.S3Settings.Enabled {
		s3 = aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	}
	if cfg.CacheSettings.Enabled {
		cache = cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
		defer cache.Close()
	}

	store := storage.NewCsvStore(cfg.CsvSettings, log)
	targets, err := loadTargets(store)
	if err != nil {
		log.Error("failed to load targets.", slog.String("err", err.Error()))
		return 1
	}
	targets = filterProcessed(store, targets)
	if len(targets) == 0 {
		log.Info("nothing to process. All targets are already recorded.")
		return 0
	}

	manager := session.NewManager(cfg.ScreenshotSettings, cfg.UserAgent, log)
	if err = manager.Start(ctx); err != nil {
		log.Error("failed to start browser engine.", slog.String("err", err.Error()))
		return 1
	}
	defer manager.Stop()

	resolver := robots.NewResolver(cfg.RobotsSettings, cfg.UserAgent, log)
	newSession := func() (capturer.BrowserSession, error) {
		return manager.NewSession()
	}
	capt := capturer.New(cfg.ScreenshotSettings, newSession, resolver, uploader(), log)
	prb := prober.New(cfg.ProbeSettings, cfg.UserAgent, log)

	var recordChan chan *model.OutcomeRecord
	kafkaWg := &sync.WaitGroup{}
	if cfg.KafkaSettings.Producer.Enabled {
		recordChan = make(chan *model.OutcomeRecord, 100)
		kafkaWg.Add(1)
		go broker.NewKafkaProducer(recordChan, cfg.KafkaSettings.Producer, log, kafkaWg).Run()
	}

	p, err := pipeline.New(cfg, prb, capt, store, recordChan, sinks(), log)
	if err != nil {
		log.Error("failed to build pipeline.", slog.String("err", err.Error()))
		return 1
	}
	runErr := p.Run(ctx, targets)

	if recordChan != nil {
		close(recordChan)
		log.Info("close recordChan.")
	}
	kafkaWg.Wait()

	if runErr != nil {
		if errors.Is(runErr, pipeline.ErrNothingToProcess) {
			log.Info("nothing to process. No live targets in the batch.")
			return 0
		}
		log.Error("run finished with error.", slog.String("err", runErr.Error()))
		return 1
	}
	log.Info("run finished.")

	return 0
}

func loadTargets(store *storage.CsvStore) ([]model.Target, error) {
	if targetRepo != nil {
		return targetRepo.LoadTargets()
	}
	return store.LoadTargets()
}

// filterProcessed drops targets already recorded by earlier runs, using the
// outcome CSVs and, when enabled, the cross-run memcached marks.
func filterProcessed(store *storage.CsvStore, targets []model.Target) []model.Target {
	processed := store.ProcessedGNIS()
	remaining := make([]model.Target, 0, len(targets))
	for _, target := range targets {
		if _, ok := processed[target.GNIS]; ok {
			continue
		}
		if cache != nil && cache.IsProcessed(target.GNIS) {
			continue
		}
		remaining = append(remaining, target)
	}
	if skipped := len(targets) - len(remaining); skipped > 0 {
		log.Info("skipping already processed targets.", slog.Int("skipped", skipped),
			slog.Int("remaining", len(remaining)))
	}

	return remaining
}

func uploader() capturer.Uploader {
	if s3 == nil {
		return nil
	}
	return s3
}

func sinks() []pipeline.OutcomeSink {
	var out []pipeline.OutcomeSink
	if targetRepo != nil {
		out = append(out, targetRepo)
	}
	if cache != nil {
		out = append(out, &cacheSink{cache: cache})
	}
	return out
}

// cacheSink marks terminal outcomes as processed: captured targets and dead
// ones. Capture failures stay unmarked so the next run retries them.
type cacheSink struct {
	cache cacheClient.CachedClient
}

func (s *cacheSink) SaveOutcome(record *model.OutcomeRecord) {
	if record.Classification == model.Success || record.Classification == model.Down {
		s.cache.MarkProcessed(record.GNIS)
	}
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
