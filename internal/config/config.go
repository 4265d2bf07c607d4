package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the coordination API
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeAPIKey string
	OSRMBaseURL  string

	Currency string

	MatchRadiusMeters float64
	MatchPageSize     int
	MatchMaxRounds    int
	MatchBackoff      time.Duration
	SweepInterval     time.Duration
	MaxSearchWait     time.Duration
	AcceptTimeout     time.Duration

	PlatformFeePercent int64
	CancelGrace        time.Duration
	CancelFee          int64
	CancelFarKm        float64

	FallbackSpeedMps float64
	ETACacheTTL      time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "captains_geo",
		KafkaTopic:      "captain-locations",
		Currency:        "INR",

		MatchRadiusMeters: 5000,
		MatchPageSize:     8,
		MatchMaxRounds:    3,
		MatchBackoff:      2 * time.Second,
		SweepInterval:     10 * time.Second,
		MaxSearchWait:     5 * time.Minute,
		AcceptTimeout:     30 * time.Second,

		PlatformFeePercent: 20,
		CancelGrace:        2 * time.Minute,
		CancelFee:          3000,
		CancelFarKm:        5,

		FallbackSpeedMps: 8,
		ETACacheTTL:      30 * time.Second,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	cfg.OSRMBaseURL = strings.TrimSpace(os.Getenv("OSRM_BASE_URL"))
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	setFloatFromEnv(&cfg.MatchRadiusMeters, "MATCH_RADIUS_METERS", &errs)
	setIntFromEnv(&cfg.MatchPageSize, "MATCH_PAGE_SIZE", &errs)
	setIntFromEnv(&cfg.MatchMaxRounds, "MATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&cfg.MatchBackoff, "MATCH_BACKOFF", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.MaxSearchWait, "MAX_SEARCH_WAIT", &errs)
	setDurationFromEnv(&cfg.AcceptTimeout, "ACCEPT_TIMEOUT", &errs)

	setInt64FromEnv(&cfg.PlatformFeePercent, "PLATFORM_FEE_PERCENT", &errs)
	setDurationFromEnv(&cfg.CancelGrace, "CANCEL_GRACE", &errs)
	setInt64FromEnv(&cfg.CancelFee, "CANCEL_FEE", &errs)
	setFloatFromEnv(&cfg.CancelFarKm, "CANCEL_FAR_KM", &errs)

	setFloatFromEnv(&cfg.FallbackSpeedMps, "ETA_FALLBACK_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatchPageSize <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_PAGE_SIZE must be > 0"))
	}
	if cfg.MatchMaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_ROUNDS must be > 0"))
	}
	if cfg.PlatformFeePercent < 0 || cfg.PlatformFeePercent > 100 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PERCENT must be 0..100"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
