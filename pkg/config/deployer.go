package config

import (
	"fmt"
	"time"
)

// DeployerConfig holds runtime configuration for the deployer service.
type DeployerConfig struct {
	Environment string
	Addr        string
	LogLevel    string
	AuthToken   string

	DockerHost   string
	Workdir      string
	BuildTimeout time.Duration
	Namespace    string

	PlatformDomain       string
	RuntimeNetwork       string
	RuntimePortBase      int
	RuntimePortRange     int
	RuntimePortAttempts  int
	RuntimeMemoryLimitMB int64
	RuntimeCPUQuota      int64
	RuntimeCPUPeriod     int64
	LogTailLines         int

	RepositoryBackend string
	DatabaseURL       string

	MinioEndpoint  string
	MinioPort      int
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIBaseURL      string
	AutoFixTemperature float64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BuildLockTTL  time.Duration

	RateLimitPerWindow int
	RateLimitWindow    time.Duration

	DeployCallbackURL      string
	DeployCallbackTimeout  time.Duration
	CallbackSuppressionTTL time.Duration
}

// LoadDeployerConfig constructs a DeployerConfig from environment variables.
func LoadDeployerConfig() DeployerConfig {
	return DeployerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("DEPLOYER_ADDR", ":3002"),
		LogLevel:    GetString("LOG_LEVEL", "info"),
		AuthToken:   GetString("DEPLOYER_AUTH_TOKEN", ""),

		DockerHost:   GetString("DOCKER_HOST", ""),
		Workdir:      GetString("DEPLOYER_WORKDIR", "/tmp/vortex44-build"),
		BuildTimeout: GetSeconds("BUILD_TIMEOUT_SECONDS", 900),
		Namespace:    GetString("DEPLOYER_NAMESPACE", "vortex44"),

		PlatformDomain:       GetString("PLATFORM_DOMAIN", "vortex44.com"),
		RuntimeNetwork:       GetString("RUNTIME_NETWORK", "vortex44-apps"),
		RuntimePortBase:      GetInt("RUNTIME_PORT_BASE", 31000),
		RuntimePortRange:     GetInt("RUNTIME_PORT_RANGE", 1000),
		RuntimePortAttempts:  GetInt("RUNTIME_PORT_ATTEMPTS", 3),
		RuntimeMemoryLimitMB: GetInt64("RUNTIME_MEMORY_LIMIT_MB", 512),
		RuntimeCPUQuota:      GetInt64("RUNTIME_CPU_QUOTA", 50000),
		RuntimeCPUPeriod:     GetInt64("RUNTIME_CPU_PERIOD", 100000),
		LogTailLines:         GetInt("LOG_TAIL_LINES", 100),

		RepositoryBackend: GetString("REPOSITORY_BACKEND", "postgres"),
		DatabaseURL:       GetString("DATABASE_URL", "postgres://vortex44:vortex44@db:5432/vortex44?sslmode=disable"),

		MinioEndpoint:  GetString("MINIO_ENDPOINT", "localhost"),
		MinioPort:      GetInt("MINIO_PORT", 9000),
		MinioAccessKey: GetString("MINIO_ACCESS_KEY", "vortex44"),
		MinioSecretKey: GetString("MINIO_SECRET_KEY", "vortex44"),
		MinioBucket:    GetString("MINIO_BUCKET", "vortex44-projects"),
		MinioUseSSL:    GetBool("MINIO_USE_SSL", false),
		MinioRegion:    GetString("AWS_REGION", "us-east-1"),

		OpenAIAPIKey:       GetString("OPENAI_API_KEY", ""),
		OpenAIModel:        GetString("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      GetString("OPENAI_BASE_URL", ""),
		AutoFixTemperature: GetFloat("AUTOFIX_TEMPERATURE", 0.3),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		BuildLockTTL:  GetSeconds("BUILD_LOCK_TTL_SECONDS", 1800),

		RateLimitPerWindow: GetInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:    GetSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),

		DeployCallbackURL:      GetString("DEPLOY_CALLBACK_URL", ""),
		DeployCallbackTimeout:  GetSeconds("DEPLOY_CALLBACK_TIMEOUT_SECONDS", 10),
		CallbackSuppressionTTL: GetSeconds("CALLBACK_SUPPRESSION_SECONDS", 60),
	}
}

// MinioAddress returns the host:port pair for the object store.
func (c DeployerConfig) MinioAddress() string {
	return fmt.Sprintf("%s:%d", c.MinioEndpoint, c.MinioPort)
}
