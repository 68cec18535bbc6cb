package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fileconverter/models"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	WorkStream        string
	DeadLetterStream  string
	NotifyStream      string
	ConsumerGroup     string
	NotifyGroup       string
	QueueMaxLen       int64
	QueueBlockTimeout time.Duration
	ClaimMinIdle      time.Duration
	ClaimInterval     time.Duration
	MaxDeliveries     int64

	WorkerCount       int
	ConversionTimeout time.Duration
	GotenbergURL      string
	GotenbergPDFA     string

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	PresignTTL     time.Duration

	DatabaseURL string

	Plans models.PlanCatalog

	SweepHour             int
	StuckInterval         time.Duration
	StuckPendingAfter     time.Duration
	StuckPendingFailAfter time.Duration
	StuckProcessingAfter  time.Duration

	HTTPAddr          string
	MaxUploadMB       int64
	AnonymousPerHour  int
	AnonymousBurst    int
	RateLimitWindow   time.Duration
	NotifyWebhookURL  string
	SentryDSN         string
	SentryEnvironment string
}

// loader resolves a key from the environment first, then the optional YAML file.
type loader struct {
	file map[string]string
}

// Load reads .env (if present), the YAML file named by CONVERTER_CONFIG (if set)
// and the environment, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] Ignoring unreadable .env: %v", err)
	}

	l := &loader{file: map[string]string{}}
	if path := os.Getenv("CONVERTER_CONFIG"); path != "" {
		values, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		l.file = values
	}

	return l.build(), nil
}

func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func (l *loader) build() *Config {
	redisPrefix := l.getEnv("REDIS_PREFIX", "")
	dbHost := l.getEnv("DB_HOST", "localhost")
	dbPort := l.getEnv("DB_PORT", "5432")
	dbName := l.getEnv("DB_DATABASE", "converter")
	dbUser := l.getEnv("DB_USERNAME", "converter")
	dbPassword := l.getEnv("DB_PASSWORD", "")
	dbSSLMode := l.getEnv("DB_SSLMODE", "disable")
	dbSSLCert := l.getEnv("DB_SSLCERT", "")
	dbSSLKey := l.getEnv("DB_SSLKEY", "")
	dbSSLRootCert := l.getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}
	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}
	if url := l.getEnv("DATABASE_URL", ""); url != "" {
		dbURL = url
	}

	workStream := applyPrefix(l.getEnv("CONVERSION_STREAM", "conversion:jobs"), redisPrefix)

	return &Config{
		RedisAddr:     l.getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: l.getEnv("REDIS_PASSWORD", ""),
		RedisDB:       l.getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:   redisPrefix,

		WorkStream:        workStream,
		DeadLetterStream:  applyPrefix(l.getEnv("CONVERSION_DLQ_STREAM", "conversion:jobs:dlq"), redisPrefix),
		NotifyStream:      applyPrefix(l.getEnv("CONVERSION_NOTIFY_STREAM", "conversion:notifications"), redisPrefix),
		ConsumerGroup:     l.getEnv("CONVERSION_CONSUMER_GROUP", "conversion-workers"),
		NotifyGroup:       l.getEnv("CONVERSION_NOTIFY_GROUP", "conversion-notifiers"),
		QueueMaxLen:       int64(l.getEnvInt("CONVERSION_STREAM_MAXLEN", 100000)),
		QueueBlockTimeout: l.getEnvDuration("CONVERSION_BLOCK_TIMEOUT", 5*time.Second),
		ClaimMinIdle:      l.getEnvDuration("CONVERSION_CLAIM_MIN_IDLE", 5*time.Minute),
		ClaimInterval:     l.getEnvDuration("CONVERSION_CLAIM_INTERVAL", time.Minute),
		MaxDeliveries:     int64(l.getEnvInt("CONVERSION_MAX_DELIVERIES", 5)),

		WorkerCount:       l.getEnvInt("CONVERSION_WORKER_COUNT", 3),
		ConversionTimeout: time.Duration(l.getEnvInt("CONVERSION_TIMEOUT", 120)) * time.Second,
		GotenbergURL:      l.getEnv("GOTENBERG_URL", "http://gotenberg:3000"),
		GotenbergPDFA:     l.getEnv("GOTENBERG_PDFA", ""),

		S3Bucket: l.getEnv("AWS_BUCKET", "conversions"),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       l.getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: l.getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: l.getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     l.getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: l.getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		PresignTTL:     l.getEnvDuration("S3_PRESIGN_TTL", time.Hour),

		DatabaseURL: dbURL,

		Plans: l.plans(),

		SweepHour:             l.getEnvInt("EXPIRY_SWEEP_HOUR", 2),
		StuckInterval:         l.getEnvDuration("STUCK_SWEEP_INTERVAL", 5*time.Minute),
		StuckPendingAfter:     l.getEnvDuration("STUCK_PENDING_AFTER", 15*time.Minute),
		StuckPendingFailAfter: l.getEnvDuration("STUCK_PENDING_FAIL_AFTER", 2*time.Hour),
		StuckProcessingAfter:  l.getEnvDuration("STUCK_PROCESSING_AFTER", 30*time.Minute),

		HTTPAddr:          l.getEnv("HTTP_ADDR", ":8080"),
		MaxUploadMB:       int64(l.getEnvInt("MAX_UPLOAD_MB", 100)),
		AnonymousPerHour:  l.getEnvInt("ANON_RATE_LIMIT_PER_HOUR", 20),
		AnonymousBurst:    l.getEnvInt("ANON_RATE_LIMIT_BURST", 5),
		RateLimitWindow:   l.getEnvDuration("RATE_LIMIT_WINDOW", 24*time.Hour),
		NotifyWebhookURL:  l.getEnv("NOTIFY_WEBHOOK_URL", ""),
		SentryDSN:         l.getEnv("SENTRY_DSN", ""),
		SentryEnvironment: l.getEnv("SENTRY_ENVIRONMENT", "production"),
	}
}

// plans starts from the published tiers and lets each limit be overridden,
// e.g. PLAN_PRO_RETENTION_DAYS=21.
func (l *loader) plans() models.PlanCatalog {
	catalog := models.DefaultPlans()
	for t, p := range catalog {
		prefix := "PLAN_" + string(t) + "_"
		p.DailyQuota = l.getEnvInt(prefix+"DAILY_QUOTA", p.DailyQuota)
		p.MaxFileSizeMB = l.getEnvInt(prefix+"MAX_FILE_MB", p.MaxFileSizeMB)
		p.RetentionDays = l.getEnvInt(prefix+"RETENTION_DAYS", p.RetentionDays)
		catalog[t] = p
	}
	return catalog
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("CONVERSION_WORKER_COUNT must be at least 1"))
	}
	if c.ConversionTimeout <= 0 {
		errs = append(errs, errors.New("CONVERSION_TIMEOUT must be positive"))
	}
	if c.SweepHour < 0 || c.SweepHour > 23 {
		errs = append(errs, errors.New("EXPIRY_SWEEP_HOUR must be between 0 and 23"))
	}
	if c.StuckProcessingAfter <= c.ConversionTimeout {
		errs = append(errs, errors.New("STUCK_PROCESSING_AFTER must exceed CONVERSION_TIMEOUT"))
	}
	if c.StuckPendingFailAfter <= c.StuckPendingAfter {
		errs = append(errs, errors.New("STUCK_PENDING_FAIL_AFTER must exceed STUCK_PENDING_AFTER"))
	}
	if c.MaxDeliveries < 1 {
		errs = append(errs, errors.New("CONVERSION_MAX_DELIVERIES must be at least 1"))
	}
	if c.QueueBlockTimeout <= 0 {
		errs = append(errs, errors.New("CONVERSION_BLOCK_TIMEOUT must be positive"))
	}
	if c.ClaimInterval <= 0 {
		errs = append(errs, errors.New("CONVERSION_CLAIM_INTERVAL must be positive"))
	}
	if c.StuckInterval <= 0 {
		errs = append(errs, errors.New("STUCK_SWEEP_INTERVAL must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

func (l *loader) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return l.file[key]
}

func (l *loader) getEnv(key, fallback string) string {
	if value := l.lookup(key); value != "" {
		return value
	}
	return fallback
}

func (l *loader) getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := l.lookup(primaryKey); value != "" {
		return value
	}
	if value := l.lookup(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func (l *loader) getEnvInt(key string, fallback int) int {
	if value := l.lookup(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "15m") or plain seconds.
func (l *loader) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := l.lookup(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func (l *loader) getEnvBool(key string, fallback bool) bool {
	if value := l.lookup(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}
