package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	Env           string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	LogFile       string
	LogLevel      string
	// Redis backs presence when set; otherwise presence lives in process.
	RedisURL    string
	PresenceTTL time.Duration
	// Event publishing
	KafkaBrokers      []string
	KafkaTopic        string
	NATSURL           string
	NATSSubjectPrefix string
	// Comment search
	MeiliURL    string
	MeiliAPIKey string
	// Closed-session archive
	ArchiveReposDir string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool
	SuggestionTTL   time.Duration
}

// Load reads the environment after merging an optional .env file from the
// working directory. Variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Addr:              getenv("API_ADDR", ":8787"),
		Env:               getenv("COEDIT_ENV", "development"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		MigrationsDir:     getenv("COEDIT_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:        getenv("COEDIT_CORS_ORIGIN", "*"),
		LogFile:           getenv("COEDIT_LOG_FILE", ""),
		LogLevel:          getenv("COEDIT_LOG_LEVEL", "info"),
		RedisURL:          getenv("REDIS_URL", ""),
		PresenceTTL:       getenvDuration("COEDIT_PRESENCE_TTL", 30*time.Minute),
		KafkaBrokers:      getenvList("KAFKA_BROKERS"),
		KafkaTopic:        getenv("KAFKA_TOPIC", "coedit.events"),
		NATSURL:           getenv("NATS_URL", ""),
		NATSSubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "coedit"),
		MeiliURL:          getenv("MEILI_URL", ""),
		MeiliAPIKey:       getenv("MEILI_MASTER_KEY", ""),
		ArchiveReposDir:   getenv("COEDIT_ARCHIVE_REPOS_DIR", ""),
		MinIOEndpoint:     getenv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:    getenv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:    getenv("MINIO_SECRET_KEY", ""),
		MinIOBucket:       getenv("MINIO_BUCKET", "coedit-sessions"),
		MinIOUseSSL:       getenvBool("MINIO_USE_SSL", false),
		SuggestionTTL:     getenvDuration("COEDIT_SUGGESTION_TTL", 10*time.Minute),
	}
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go duration syntax or a bare number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds := getenvInt(key, 0); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	var items []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
