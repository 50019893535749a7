package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	CORSOrigins string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	DockerHost      string
	WorkspaceRoot   string
	CloneTimeout    time.Duration
	InstallTimeout  time.Duration
	TestTimeout     time.Duration
	SandboxMemoryMB int
	SandboxCPU      int

	GradingWorkers int

	OpenAIAPIKey string
	ReviewModel  string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and an optional
// .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MARK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Test Mark API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("clone_timeout", "2m")
	v.SetDefault("install_timeout", "5m")
	v.SetDefault("test_timeout", "5m")
	v.SetDefault("sandbox_memory_mb", 512)
	v.SetDefault("sandbox_cpu_shares", 512)
	v.SetDefault("grading_workers", 10)
	v.SetDefault("review_model", "gpt-4o-mini")

	cloneTimeout, err := parseTimeout(v, "clone_timeout")
	if err != nil {
		return Config{}, err
	}
	installTimeout, err := parseTimeout(v, "install_timeout")
	if err != nil {
		return Config{}, err
	}
	testTimeout, err := parseTimeout(v, "test_timeout")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		CORSOrigins:     v.GetString("cors.origins"),
		DatabaseURL:     v.GetString("database.url"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		JWTSecret:       v.GetString("jwt.secret"),
		DockerHost:      v.GetString("docker_host"),
		WorkspaceRoot:   v.GetString("workspace_root"),
		CloneTimeout:    cloneTimeout,
		InstallTimeout:  installTimeout,
		TestTimeout:     testTimeout,
		SandboxMemoryMB: v.GetInt("sandbox_memory_mb"),
		SandboxCPU:      v.GetInt("sandbox_cpu_shares"),
		GradingWorkers:  v.GetInt("grading_workers"),
		OpenAIAPIKey:    v.GetString("openai_api_key"),
		ReviewModel:     v.GetString("review_model"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.GradingWorkers <= 0 {
		cfg.GradingWorkers = 10
	}

	if cfg.SandboxMemoryMB <= 0 {
		cfg.SandboxMemoryMB = 512
	}

	if cfg.SandboxCPU <= 0 {
		cfg.SandboxCPU = 512
	}

	return cfg, nil
}

func parseTimeout(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return timeout, nil
}
