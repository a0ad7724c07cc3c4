package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Generation GenerationConfig
	Pipeline   PipelineConfig
	Admission  AdmissionConfig
	RepoTree   RepoTreeConfig
	Repos      ReposConfig
	Database   DatabaseConfig
	R2         R2Config
	Positions  PositionsConfig
	Webhook    WebhookConfig
	Reconcile  ReconcileConfig
	Zitadel    ZitadelConfig
	Gateway    GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GenerationPerHour int
	StatusPerMin      int
}

// GenerationConfig points at an OpenAI-compatible chat completions API
type GenerationConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	MaxToolCalls   int
	EnabledTools   []string
	FallbackTool   string
	MaxInputTokens int
}

type PipelineConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	StepTimeout time.Duration
	Retention   time.Duration
	IDRetention time.Duration
	Concurrency int
}

type AdmissionConfig struct {
	FreeFiles int
	FreeLines int
	ProFiles  int
	ProLines  int
}

type RepoTreeConfig struct {
	MaxDepth int
}

type ReposConfig struct {
	Workdir string
	Token   string
}

type DatabaseConfig struct {
	Path string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
}

type PositionsConfig struct {
	Debounce time.Duration
}

type WebhookConfig struct {
	Secret string
}

type ReconcileConfig struct {
	Cron string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Local development convenience; a missing .env is not an error
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GENERATION_API_KEY")
	readSecret("REPOS_TOKEN")
	readSecret("WEBHOOK_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.generation_per_hour", "RATELIMIT_GENERATION_PER_HOUR")
	_ = viper.BindEnv("ratelimit.status_per_min", "RATELIMIT_STATUS_PER_MIN")
	_ = viper.BindEnv("generation.api_key", "GENERATION_API_KEY")
	_ = viper.BindEnv("generation.base_url", "GENERATION_BASE_URL")
	_ = viper.BindEnv("generation.model", "GENERATION_MODEL")
	_ = viper.BindEnv("generation.timeout", "GENERATION_TIMEOUT")
	_ = viper.BindEnv("generation.max_tool_calls", "GENERATION_MAX_TOOL_CALLS")
	_ = viper.BindEnv("generation.enabled_tools", "GENERATION_ENABLED_TOOLS")
	_ = viper.BindEnv("generation.fallback_tool", "GENERATION_FALLBACK_TOOL")
	_ = viper.BindEnv("generation.max_input_tokens", "GENERATION_MAX_INPUT_TOKENS")
	_ = viper.BindEnv("pipeline.max_attempts", "PIPELINE_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.base_backoff", "PIPELINE_BASE_BACKOFF")
	_ = viper.BindEnv("pipeline.max_backoff", "PIPELINE_MAX_BACKOFF")
	_ = viper.BindEnv("pipeline.step_timeout", "PIPELINE_STEP_TIMEOUT")
	_ = viper.BindEnv("pipeline.retention", "PIPELINE_RETENTION")
	_ = viper.BindEnv("pipeline.id_retention", "PIPELINE_ID_RETENTION")
	_ = viper.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = viper.BindEnv("admission.free.files", "ADMISSION_FREE_FILES")
	_ = viper.BindEnv("admission.free.lines", "ADMISSION_FREE_LINES")
	_ = viper.BindEnv("admission.pro.files", "ADMISSION_PRO_FILES")
	_ = viper.BindEnv("admission.pro.lines", "ADMISSION_PRO_LINES")
	_ = viper.BindEnv("repotree.max_depth", "REPOTREE_MAX_DEPTH")
	_ = viper.BindEnv("repos.workdir", "REPOS_WORKDIR")
	_ = viper.BindEnv("repos.token", "REPOS_TOKEN")
	_ = viper.BindEnv("database.path", "DATABASE_PATH")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("positions.debounce", "POSITIONS_DEBOUNCE")
	_ = viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	_ = viper.BindEnv("reconcile.cron", "RECONCILE_CRON")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generation_per_hour", 20)
	viper.SetDefault("ratelimit.status_per_min", 120)

	// Generation defaults
	viper.SetDefault("generation.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("generation.model", "llama-3.3-70b-versatile")
	viper.SetDefault("generation.timeout", "120s")
	viper.SetDefault("generation.max_tool_calls", 15)
	viper.SetDefault("generation.enabled_tools", []string{"read_file", "search_code"})
	viper.SetDefault("generation.fallback_tool", "read_file")
	viper.SetDefault("generation.max_input_tokens", 24000)

	// Pipeline defaults
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.base_backoff", "2s")
	viper.SetDefault("pipeline.max_backoff", "30s")
	viper.SetDefault("pipeline.step_timeout", "3m")
	viper.SetDefault("pipeline.retention", "24h")
	viper.SetDefault("pipeline.id_retention", "720h")
	viper.SetDefault("pipeline.concurrency", 10)

	// Admission defaults
	viper.SetDefault("admission.free.files", 50)
	viper.SetDefault("admission.free.lines", 2000)
	viper.SetDefault("admission.pro.files", 300)
	viper.SetDefault("admission.pro.lines", 20000)

	viper.SetDefault("repotree.max_depth", 4)
	viper.SetDefault("repos.workdir", "./data/repos")
	viper.SetDefault("database.path", "./data/architectures.db")
	viper.SetDefault("positions.debounce", "800ms")
	viper.SetDefault("reconcile.cron", "@every 5m")

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GenerationPerHour: viper.GetInt("ratelimit.generation_per_hour"),
			StatusPerMin:      viper.GetInt("ratelimit.status_per_min"),
		},
		Generation: GenerationConfig{
			APIKey:         viper.GetString("generation.api_key"),
			BaseURL:        viper.GetString("generation.base_url"),
			Model:          viper.GetString("generation.model"),
			Timeout:        viper.GetDuration("generation.timeout"),
			MaxToolCalls:   viper.GetInt("generation.max_tool_calls"),
			EnabledTools:   splitList(viper.GetStringSlice("generation.enabled_tools")),
			FallbackTool:   viper.GetString("generation.fallback_tool"),
			MaxInputTokens: viper.GetInt("generation.max_input_tokens"),
		},
		Pipeline: PipelineConfig{
			MaxAttempts: viper.GetInt("pipeline.max_attempts"),
			BaseBackoff: viper.GetDuration("pipeline.base_backoff"),
			MaxBackoff:  viper.GetDuration("pipeline.max_backoff"),
			StepTimeout: viper.GetDuration("pipeline.step_timeout"),
			Retention:   viper.GetDuration("pipeline.retention"),
			IDRetention: viper.GetDuration("pipeline.id_retention"),
			Concurrency: viper.GetInt("pipeline.concurrency"),
		},
		Admission: AdmissionConfig{
			FreeFiles: viper.GetInt("admission.free.files"),
			FreeLines: viper.GetInt("admission.free.lines"),
			ProFiles:  viper.GetInt("admission.pro.files"),
			ProLines:  viper.GetInt("admission.pro.lines"),
		},
		RepoTree: RepoTreeConfig{
			MaxDepth: viper.GetInt("repotree.max_depth"),
		},
		Repos: ReposConfig{
			Workdir: viper.GetString("repos.workdir"),
			Token:   viper.GetString("repos.token"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
		},
		Positions: PositionsConfig{
			Debounce: viper.GetDuration("positions.debounce"),
		},
		Webhook: WebhookConfig{
			Secret: viper.GetString("webhook.secret"),
		},
		Reconcile: ReconcileConfig{
			Cron: viper.GetString("reconcile.cron"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}

// splitList accepts both YAML lists and comma-separated env values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
