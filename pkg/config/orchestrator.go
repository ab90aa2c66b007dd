package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator.
type OrchestratorConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	PublicHost         string
	BasePort           int
	PortPoolSize       int
	WorkspaceImage     string
	TerminalImage      string
	ContainerPrefix    string
	DashboardContainer string
	GitHubToken        string
	GitHubUsername     string
	GitHubEmail        string
	BraveAPIKey        string
	ReconcileInterval  time.Duration
	ReconcileWorkers   int
	EnvProbeTimeout    time.Duration
	SSEHeartbeat       time.Duration
	RateLimitPerMinute int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment
// variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	username := GetString("GITHUB_USERNAME", "bustinjailey")
	return OrchestratorConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("ORCHESTRATOR_ADDR", ":5000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://devfarm:devfarm@db:5432/devfarm?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		PublicHost:         GetString("PUBLIC_HOST", "localhost"),
		BasePort:           GetInt("BASE_PORT", 8100),
		PortPoolSize:       GetInt("PORT_POOL_SIZE", 1000),
		WorkspaceImage:     GetString("WORKSPACE_IMAGE", "dev-farm/code-server:latest"),
		TerminalImage:      GetString("TERMINAL_IMAGE", "dev-farm/terminal:latest"),
		ContainerPrefix:    GetString("CONTAINER_PREFIX", "devfarm-"),
		DashboardContainer: GetString("DASHBOARD_CONTAINER", "devfarm-dashboard"),
		GitHubToken:        GetString("GITHUB_TOKEN", ""),
		GitHubUsername:     username,
		GitHubEmail:        GetString("GITHUB_EMAIL", username+"@users.noreply.github.com"),
		BraveAPIKey:        GetString("BRAVE_API_KEY", ""),
		ReconcileInterval:  GetDuration("RECONCILE_INTERVAL", 5*time.Second),
		ReconcileWorkers:   GetInt("RECONCILE_WORKERS", 8),
		EnvProbeTimeout:    GetDuration("ENV_PROBE_TIMEOUT", 10*time.Second),
		SSEHeartbeat:       GetDuration("SSE_HEARTBEAT", 30*time.Second),
		RateLimitPerMinute: GetInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
