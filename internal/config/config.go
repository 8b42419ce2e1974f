package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Keys      APIKeys
	Ai        AIConfig
	Search    SearchConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	Tracing   TracingConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	CorsAllowedOrigins string
	NatsURL            string // empty uses the in-process bus
	RedisURL           string
	QueryMaxLength     int
	StageTimeout       time.Duration
}

type APIKeys struct {
	OpenAI               string
	GoogleSearch         string
	GoogleSearchEngineID string
}

type AIConfig struct {
	LLMProvider    string // "openai" or "ollama"
	LLMModel       string
	LLMTemperature float64
	LLMMaxTokens   int
	OllamaBaseURL  string
}

type SearchConfig struct {
	DefaultResults int
	MaxResults     int
	MaxSubQueries  int
	QPS            float64
	FilterUnsafe   bool
	ExtractContent bool
	FetchTimeout   time.Duration
	FetchQPS       float64
}

type SecurityConfig struct {
	PromptInjectionThreshold float64
	BanTopicsThreshold       float64
	OutputFailOpen           bool
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Backend  string // "memory" or "redis"
}

type SessionConfig struct {
	TTL           time.Duration
	Capacity      int
	MaxHistory    int
	SweepInterval time.Duration
}

type TracingConfig struct {
	Enabled  bool
	Endpoint string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "8000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			NatsURL:            getEnv("NATS_URL", ""),
			RedisURL:           getEnv("REDIS_URL", ""),
			QueryMaxLength:     getEnvAsInt("QUERY_MAX_LENGTH", 2000),
			StageTimeout:       getEnvAsDuration("STAGE_TIMEOUT", 60*time.Second),
		},
		Keys: APIKeys{
			OpenAI:               getEnv("OPENAI_API_KEY", ""),
			GoogleSearch:         getEnv("GOOGLE_API_KEY", ""),
			GoogleSearchEngineID: getEnv("GOOGLE_SEARCH_ENGINE_ID", ""),
		},
		Ai: AIConfig{
			LLMProvider:    getEnv("LLM_PROVIDER", "openai"),
			LLMModel:       getEnv("LLM_MODEL", "gpt-4.1-nano"),
			LLMTemperature: getEnvAsFloat("LLM_TEMPERATURE", 0.3),
			LLMMaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 4000),
			OllamaBaseURL:  getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		},
		Search: SearchConfig{
			DefaultResults: getEnvAsInt("SEARCH_DEFAULT_RESULTS", 5),
			MaxResults:     getEnvAsInt("SEARCH_MAX_RESULTS", 10),
			MaxSubQueries:  getEnvAsInt("SEARCH_MAX_SUBQUERIES", 3),
			QPS:            getEnvAsFloat("SEARCH_QPS", 5),
			FilterUnsafe:   getEnvAsBool("SEARCH_FILTER_UNSAFE", true),
			ExtractContent: getEnvAsBool("SEARCH_EXTRACT_CONTENT", true),
			FetchTimeout:   getEnvAsDuration("SEARCH_FETCH_TIMEOUT", 10*time.Second),
			FetchQPS:       getEnvAsFloat("SEARCH_FETCH_QPS", 10),
		},
		Security: SecurityConfig{
			PromptInjectionThreshold: getEnvAsFloat("PROMPT_INJECTION_THRESHOLD", 0.8),
			BanTopicsThreshold:       getEnvAsFloat("BAN_TOPICS_THRESHOLD", 0.6),
			OutputFailOpen:           getEnvAsBool("SECURITY_OUTPUT_FAIL_OPEN", true),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvAsInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			Backend:  getEnv("RATE_LIMIT_BACKEND", "memory"),
		},
		Session: SessionConfig{
			TTL:           getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			Capacity:      getEnvAsInt("SESSION_CAPACITY", 1000),
			MaxHistory:    getEnvAsInt("SESSION_MAX_HISTORY", 10),
			SweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", 10*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:  getEnvAsBool("OTEL_ENABLED", false),
			Endpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
