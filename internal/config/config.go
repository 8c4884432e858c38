package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration. It is built once at startup and never mutated.
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	PublicURL string // this server's external base; emailed links open GET /api/bookings/{cancel,reschedule}/:token

	DatabaseURL string
	StoreDriver string // "postgres" or "memory"

	RedisAddr      string
	RedisPassword  string
	UseMemoryQueue bool
	WorkerCount    int

	JWTSecret    string
	StaticTokens []string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	StripeSecretKey string
	StripeDryRun    bool
	CulqiSecretKey  string

	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	Scheduling Scheduling
}

// Scheduling carries the policy defaults consumed by the availability checker and the
// booking service.
type Scheduling struct {
	DefaultTimezone            string
	DefaultCurrency            string
	DefaultCancellationHours   int
	DefaultReschedulingHours   int
	DefaultMinimumNoticeHours  int
	DefaultMaximumDaysInFuture int
	DefaultPaymentProvider     string
	SendConfirmationEmails     bool
	EnableGoogleCalendar       bool
	EnableOutlookCalendar      bool
	CalendarTimeout            time.Duration
	CalendarConcurrency        int
	TaskMaxRetry               int
	TaskTimeout                time.Duration
}

// DefaultScheduling returns the built-in policy defaults.
func DefaultScheduling() Scheduling {
	return Scheduling{
		DefaultTimezone:            "America/Lima",
		DefaultCurrency:            "PEN",
		DefaultCancellationHours:   24,
		DefaultReschedulingHours:   24,
		DefaultMinimumNoticeHours:  2,
		DefaultMaximumDaysInFuture: 60,
		DefaultPaymentProvider:     "stripe",
		SendConfirmationEmails:     true,
		EnableGoogleCalendar:       true,
		EnableOutlookCalendar:      true,
		CalendarTimeout:            5 * time.Second,
		CalendarConcurrency:        4,
		TaskMaxRetry:               8,
		TaskTimeout:                30 * time.Second,
	}
}

// Load reads configuration from the environment, after applying an optional .env file.
func Load() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	def := DefaultScheduling()
	return &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		PublicURL: strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),

		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),

		JWTSecret:    strings.TrimSpace(getEnv("JWT_HMAC_SECRET", "")),
		StaticTokens: getEnvAsList("STATIC_TOKENS"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftTenant:       getEnv("MICROSOFT_TENANT", "common"),

		StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		StripeDryRun:    getEnvAsBool("STRIPE_DRY_RUN", false),
		CulqiSecretKey:  getEnv("CULQI_SECRET_KEY", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Scheduling"),

		Scheduling: Scheduling{
			DefaultTimezone:            getEnv("SCHEDULING_DEFAULT_TIMEZONE", def.DefaultTimezone),
			DefaultCurrency:            strings.ToUpper(getEnv("SCHEDULING_DEFAULT_CURRENCY", def.DefaultCurrency)),
			DefaultCancellationHours:   getEnvAsInt("SCHEDULING_CANCELLATION_HOURS", def.DefaultCancellationHours),
			DefaultReschedulingHours:   getEnvAsInt("SCHEDULING_RESCHEDULING_HOURS", def.DefaultReschedulingHours),
			DefaultMinimumNoticeHours:  getEnvAsInt("SCHEDULING_MINIMUM_NOTICE_HOURS", def.DefaultMinimumNoticeHours),
			DefaultMaximumDaysInFuture: getEnvAsInt("SCHEDULING_MAXIMUM_DAYS_IN_FUTURE", def.DefaultMaximumDaysInFuture),
			DefaultPaymentProvider:     strings.ToLower(getEnv("SCHEDULING_PAYMENT_PROVIDER", def.DefaultPaymentProvider)),
			SendConfirmationEmails:     getEnvAsBool("SCHEDULING_SEND_EMAILS", def.SendConfirmationEmails),
			EnableGoogleCalendar:       getEnvAsBool("SCHEDULING_ENABLE_GOOGLE_CALENDAR", def.EnableGoogleCalendar),
			EnableOutlookCalendar:      getEnvAsBool("SCHEDULING_ENABLE_OUTLOOK_CALENDAR", def.EnableOutlookCalendar),
			CalendarTimeout:            getEnvAsDuration("SCHEDULING_CALENDAR_TIMEOUT", def.CalendarTimeout),
			CalendarConcurrency:        getEnvAsInt("SCHEDULING_CALENDAR_CONCURRENCY", def.CalendarConcurrency),
			TaskMaxRetry:               getEnvAsInt("SCHEDULING_TASK_MAX_RETRY", def.TaskMaxRetry),
			TaskTimeout:                getEnvAsDuration("SCHEDULING_TASK_TIMEOUT", def.TaskTimeout),
		},
	}
}

// Location resolves the first loadable zone among names, falling back to the configured
// default timezone and finally UTC.
func (s Scheduling) Location(names ...string) *time.Location {
	for _, name := range append(names[:len(names):len(names)], s.DefaultTimezone) {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
