package config

import "time"

// APIConfig holds runtime configuration for the API service, which also runs
// the log ingestion consumer and the deployment supervisor.
type APIConfig struct {
	Environment      string
	Addr             string
	LogLevel         string
	LedgerDriver     string
	DatabaseURL      string
	MigrateOnStart   bool
	BuilderAuthToken string
	EnvEncryptionKey string

	Orchestrator       string
	BuilderURL         string
	DockerHost         string
	BuildImage         string
	BuildNetwork       string
	BuildStreamAddress string
	BuilderTimeout     time.Duration
	BuilderMaxFailures int

	StreamDriver        string
	StreamRedisAddr     string
	StreamRedisPass     string
	StreamRedisDB       int
	StreamName          string
	StreamGroup         string
	StreamConsumer      string
	StreamBatchSize     int
	StreamBlock         time.Duration
	StreamClaimIdle     time.Duration
	StreamReplayPending bool
	StreamHeartbeat     time.Duration
	StreamBackoffMax    time.Duration
	StreamDrainTimeout  time.Duration
	DetectorMode        string
	FailureMarkers      []string
	CompletionMarkers   []string
	CompletionExcluders []string

	FanoutRedisAddr    string
	FanoutRedisPass    string
	FanoutRedisDB      int
	FanoutPrefix       string
	SubscriberBuffer   int
	SSEHeartbeat       time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	DeploymentTimeout time.Duration
	SupervisorSweep   time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("API_ADDR", ":4000"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		LedgerDriver:     GetString("LEDGER_DRIVER", "postgres"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://peep:peep@db:5432/peep?sslmode=disable"),
		MigrateOnStart:   GetBool("DB_MIGRATE_ON_START", true),
		BuilderAuthToken: GetString("BUILDER_AUTH_TOKEN", ""),
		EnvEncryptionKey: GetString("ENV_ENCRYPTION_KEY", ""),

		Orchestrator:       GetString("ORCHESTRATOR", "docker"),
		BuilderURL:         GetString("BUILDER_URL", "http://builder:5000"),
		DockerHost:         GetString("DOCKER_HOST", ""),
		BuildImage:         GetString("BUILD_IMAGE", "peep/build-server:latest"),
		BuildNetwork:       GetString("BUILD_NETWORK", ""),
		BuildStreamAddress: GetString("BUILD_STREAM_ADDR", "redis:6379"),
		BuilderTimeout:     time.Duration(GetInt("BUILDER_TIMEOUT_SECONDS", 30)) * time.Second,
		BuilderMaxFailures: GetInt("BUILDER_MAX_FAILURES", 5),

		StreamDriver:        GetString("STREAM_DRIVER", "redis"),
		StreamRedisAddr:     GetString("STREAM_REDIS_ADDR", "redis:6379"),
		StreamRedisPass:     GetString("STREAM_REDIS_PASSWORD", ""),
		StreamRedisDB:       GetInt("STREAM_REDIS_DB", 0),
		StreamName:          GetString("STREAM_NAME", "container-logs"),
		StreamGroup:         GetString("STREAM_GROUP", "api-server-logs-consumer"),
		StreamConsumer:      GetString("STREAM_CONSUMER", ""),
		StreamBatchSize:     GetInt("STREAM_BATCH_SIZE", 64),
		StreamBlock:         time.Duration(GetInt("STREAM_BLOCK_MS", 2000)) * time.Millisecond,
		StreamClaimIdle:     time.Duration(GetInt("STREAM_CLAIM_IDLE_SECONDS", 60)) * time.Second,
		StreamReplayPending: GetBool("STREAM_REPLAY_PENDING", true),
		StreamHeartbeat:     time.Duration(GetInt("STREAM_HEARTBEAT_SECONDS", 10)) * time.Second,
		StreamBackoffMax:    time.Duration(GetInt("STREAM_BACKOFF_MAX_SECONDS", 30)) * time.Second,
		StreamDrainTimeout:  time.Duration(GetInt("STREAM_DRAIN_TIMEOUT_SECONDS", 15)) * time.Second,
		DetectorMode:        GetString("LOG_DETECTOR", "keyword"),
		FailureMarkers:      GetList("LOG_FAILURE_MARKERS", []string{"error", "build failed"}),
		CompletionMarkers:   GetList("LOG_COMPLETION_MARKERS", []string{"done"}),
		CompletionExcluders: GetList("LOG_COMPLETION_EXCLUDERS", []string{"error", "fail"}),

		FanoutRedisAddr:    GetString("FANOUT_REDIS_ADDR", ""),
		FanoutRedisPass:    GetString("FANOUT_REDIS_PASSWORD", ""),
		FanoutRedisDB:      GetInt("FANOUT_REDIS_DB", 0),
		FanoutPrefix:       GetString("FANOUT_PREFIX", "peep:logs:"),
		SubscriberBuffer:   GetInt("WS_LOG_BUFFER", 100),
		SSEHeartbeat:       time.Duration(GetInt("SSE_HEARTBEAT_SECONDS", 15)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		DeploymentTimeout: time.Duration(GetInt("DEPLOYMENT_TIMEOUT_SECONDS", 1800)) * time.Second,
		SupervisorSweep:   time.Duration(GetInt("SUPERVISOR_SWEEP_SECONDS", 30)) * time.Second,
	}
}
