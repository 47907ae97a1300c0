package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ControlPlanePort  string
	PostgresURL       string
	StoreBackend      string
	BadgerDir         string
	TemporalAddress   string
	TemporalTaskQueue string
	TemporalEnabled   bool

	LogLevel  string
	LogFormat string

	BridgePort     int
	BridgeOrigins  []string
	BridgeToken    string
	APIOrigins     []string
	MultiAgentMode string
	DAGMaxThreads  int

	WebTimeout      time.Duration
	WebStallWarn    time.Duration
	WebClaimGrace   time.Duration
	WebWorkerCmd    string
	WebProfileRoot  string
	WebLogPath      string
	WebHeadless     bool
	AuthGraceWindow time.Duration
	AuthGraceProbes int

	LLMMode       string
	LLMProvider   string
	LLMModel      string
	LLMBaseURL    string
	OpenAIAPIKey  string
	LLMAPIKeyEnc  string
	LLMSecretsKey string
}

const DefaultBridgePort = 38961

func Load() Config {
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	home, _ := os.UserHomeDir()
	railHome := filepath.Join(home, ".rail")
	return Config{
		ControlPlanePort:  getEnv("CONTROL_PLANE_PORT", "8080"),
		PostgresURL:       postgresURL,
		StoreBackend:      strings.ToLower(getEnv("RAIL_STORE", "memory")),
		BadgerDir:         getEnv("RAIL_BADGER_DIR", filepath.Join(railHome, "runs")),
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "railgraph-runs"),
		TemporalEnabled:   getEnvBool("RAIL_TEMPORAL_ENABLED", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		BridgePort:        getEnvInt("RAIL_BRIDGE_PORT", DefaultBridgePort),
		BridgeOrigins:     getEnvList("RAIL_BRIDGE_ORIGINS", []string{"chrome-extension://*"}),
		BridgeToken:       getEnv("RAIL_BRIDGE_TOKEN", ""),
		APIOrigins:        getEnvList("RAIL_API_ORIGINS", []string{"*"}),
		MultiAgentMode:    getEnv("RAIL_MULTI_AGENT_MODE", "balanced"),
		DAGMaxThreads:     getEnvInt("RAIL_DAG_MAX_THREADS", 0),
		WebTimeout:        getEnvDuration("RAIL_WEB_TIMEOUT", 180*time.Second),
		WebStallWarn:      getEnvDuration("RAIL_WEB_STALL_WARN", 45*time.Second),
		WebClaimGrace:     getEnvDuration("RAIL_WEB_CLAIM_GRACE", 20*time.Second),
		WebWorkerCmd:      getEnv("RAIL_WEB_WORKER_CMD", ""),
		WebProfileRoot:    getEnv("RAIL_WEB_PROFILE_ROOT", filepath.Join(railHome, "providers")),
		WebLogPath:        getEnv("RAIL_WEB_LOG_PATH", filepath.Join(railHome, "web-worker.log")),
		WebHeadless:       getEnvBool("RAIL_WEB_HEADLESS", false),
		AuthGraceWindow:   getEnvDuration("RAIL_AUTH_GRACE_WINDOW", 90*time.Second),
		AuthGraceProbes:   getEnvInt("RAIL_AUTH_GRACE_PROBES", 3),
		LLMMode:           getEnv("LLM_MODE", "remote"),
		LLMProvider:       getEnv("LLM_PROVIDER", "openai"),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL:        getEnv("LLM_BASE_URL", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		LLMAPIKeyEnc:      getEnv("LLM_API_KEY_ENC", ""),
		LLMSecretsKey:     getEnv("LLM_SECRETS_KEY", ""),
	}
}

// MaxThreads resolves the DAG concurrency bound. An explicit override wins;
// otherwise the multi-agent mode picks it.
func (c Config) MaxThreads() int {
	if c.DAGMaxThreads > 0 {
		return c.DAGMaxThreads
	}
	return MaxThreadsForMode(c.MultiAgentMode)
}

func MaxThreadsForMode(mode string) int {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "max":
		return 4
	case "balanced":
		return 2
	default:
		return 1
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "rail")
	password := getEnv("POSTGRES_PASSWORD", "rail")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "rail")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
