package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"fileconverter/config"
	"fileconverter/converter"
	"fileconverter/queue"
	"fileconverter/services"
)

// shutdownTimeout bounds how long in-flight work may drain after a signal.
const shutdownTimeout = 30 * time.Second

// app holds the connections shared by the long-running commands.
type app struct {
	cfg      *config.Config
	redis    *redis.Client
	db       *sql.DB
	stream   *queue.Stream
	jobs     *services.JobStore
	accounts *services.AccountStore
	objects  *services.S3Store
	registry *converter.Registry
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initSentry(cfg *config.Config) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     "fileconverter",
	})
}

func newApp(ctx context.Context, cfg *config.Config, role string) (*app, error) {
	a := &app{cfg: cfg}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Println("Connected to Redis successfully")

	db, err := services.OpenDatabase(cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	log.Println("Connected to database successfully")

	a.objects, err = services.NewS3Store(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry, err = converter.NewDefaultRegistry(cfg.GotenbergURL, cfg.GotenbergPDFA)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.jobs = services.NewJobStore(db)
	a.accounts = services.NewAccountStore(db, cfg.Plans)
	a.stream = queue.NewStream(a.redis, cfg, consumerName(role))
	if err := a.stream.EnsureGroups(ctx); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

// consumerName identifies this process within the consumer group.
func consumerName(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}

// drain waits for wg, giving up after shutdownTimeout.
func drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All goroutines stopped gracefully")
	case <-time.After(shutdownTimeout):
		log.Println("Shutdown timeout, forcing exit")
	}
}
