package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Storage
	StoreDriver      string   // postgres or memory
	PartitionSchemas []string // one schema per tenant partition
	CacheEnabled     bool
	CacheTTL         time.Duration // upper bound on serving a cached collection

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int32

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Rate limiting per context
	RateLimit       int
	RateLimitWindow time.Duration

	// AWS Services
	AWSRegion        string
	FeedbackQueueURL string // SQS queue of invalid-token reports
	EventsTopicARN   string // SNS topic for subscription lifecycle events
	SNSEndpoint      string // optional override, e.g. LocalStack
	SQSEndpoint      string // optional override, e.g. LocalStack
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver:      StorePostgres,
		PartitionSchemas: []string{"public"},
		CacheEnabled:     true,
		CacheTTL:         5 * time.Minute,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pushreg",
		DBPassword: "",
		DBName:     "pushreg",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		RateLimit:       100,
		RateLimitWindow: time.Minute,

		AWSRegion: "us-east-1",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		if driver != StorePostgres && driver != StoreMemory {
			return nil, fmt.Errorf("invalid STORE_DRIVER %q: must be %s or %s", driver, StorePostgres, StoreMemory)
		}
		cfg.StoreDriver = driver
	}

	if schemas := os.Getenv("PARTITION_SCHEMAS"); schemas != "" {
		cfg.PartitionSchemas = splitList(schemas)
		if len(cfg.PartitionSchemas) == 0 {
			return nil, fmt.Errorf("invalid PARTITION_SCHEMAS: no schema names")
		}
	}

	if enabled := os.Getenv("CACHE_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_ENABLED: %w", err)
		}
		cfg.CacheEnabled = b
	}

	if ttl := os.Getenv("CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid CACHE_TTL: %q", ttl)
		}
		cfg.CacheTTL = d
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if conns := os.Getenv("DB_MAX_CONNS"); conns != "" {
		n, err := strconv.ParseInt(conns, 10, 32)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %q", conns)
		}
		cfg.DBMaxConns = int32(n)
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if limit := os.Getenv("RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = l
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.RateLimitWindow = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if url := os.Getenv("FEEDBACK_QUEUE_URL"); url != "" {
		cfg.FeedbackQueueURL = url
	}

	if arn := os.Getenv("EVENTS_TOPIC_ARN"); arn != "" {
		cfg.EventsTopicARN = arn
	}

	if endpoint := os.Getenv("SNS_ENDPOINT"); endpoint != "" {
		cfg.SNSEndpoint = endpoint
	}

	if endpoint := os.Getenv("SQS_ENDPOINT"); endpoint != "" {
		cfg.SQSEndpoint = endpoint
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
