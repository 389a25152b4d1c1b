// Package config loads the runtime agent's configuration from command-line
// flags with environment fallbacks. Flags win over environment variables;
// environment variables win over defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultSyncURL           = "postgres://cellagent@localhost:5432/cellagent?sslmode=disable"
	DefaultRuntimeType       = "cellagent"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultWorkerCommand     = "python3"
)

// defaultWorkerArgs starts the sandboxed worker module unbuffered so stream
// output arrives line by line.
var defaultWorkerArgs = []string{"-u", "-m", "cellagent_worker"}

// Config is the fully resolved agent configuration.
type Config struct {
	// Notebook is the id of the notebook document this agent attaches to.
	Notebook string

	// AuthToken authenticates against the notebook store. When SyncURL
	// carries a user without a password, the token is injected as the
	// password (see DatabaseURL).
	AuthToken string

	// SyncURL is the postgres:// connection string of the notebook store.
	SyncURL string

	RuntimeID   string
	RuntimeType string

	HeartbeatInterval time.Duration

	// HTTPPort enables the local health/status endpoint when non-empty.
	HTTPPort string

	// Worker subprocess settings.
	WorkerCommand  string
	WorkerArgs     []string
	WorkerPackages []string

	// AI model settings. APIKey empty means the provider is not configured;
	// AI cells then render setup instructions instead of failing.
	AIModel       string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// Load parses args (without the program name) against the environment.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("cellagent", flag.ContinueOnError)

	notebook := fs.String("notebook",
		os.Getenv("CELLAGENT_NOTEBOOK"),
		"Notebook id to attach to (required)")
	authToken := fs.String("auth-token",
		os.Getenv("CELLAGENT_AUTH_TOKEN"),
		"Auth token for the notebook store (required)")
	syncURL := fs.String("sync-url",
		getEnv("CELLAGENT_SYNC_URL", DefaultSyncURL),
		"Notebook store connection URL")
	runtimeID := fs.String("runtime-id",
		resolveRuntimeID(),
		"Stable identifier of this runtime host")
	runtimeType := fs.String("runtime-type",
		getEnv("CELLAGENT_RUNTIME_TYPE", DefaultRuntimeType),
		"Runtime type announced in the session record")
	heartbeat := fs.Duration("heartbeat-interval",
		envDuration("CELLAGENT_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		"Session heartbeat interval")
	httpPort := fs.String("http-port",
		os.Getenv("CELLAGENT_HTTP_PORT"),
		"Local health/status port (empty disables the endpoint)")
	workerCommand := fs.String("worker-command",
		getEnv("CELLAGENT_WORKER_COMMAND", DefaultWorkerCommand),
		"Executable that starts the code worker")
	workerPackages := fs.String("worker-packages",
		os.Getenv("CELLAGENT_WORKER_PACKAGES"),
		"Comma-separated packages the worker pre-imports")
	aiModel := fs.String("ai-model",
		os.Getenv("CELLAGENT_AI_MODEL"),
		"Model name for AI cells")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Notebook:          *notebook,
		AuthToken:         *authToken,
		SyncURL:           *syncURL,
		RuntimeID:         *runtimeID,
		RuntimeType:       *runtimeType,
		HeartbeatInterval: *heartbeat,
		HTTPPort:          *httpPort,
		WorkerCommand:     *workerCommand,
		WorkerArgs:        defaultWorkerArgs,
		WorkerPackages:    splitList(*workerPackages),
		AIModel:           *aiModel,
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Notebook == "" {
		errs = append(errs, errors.New("notebook id is required (--notebook or CELLAGENT_NOTEBOOK)"))
	}
	if c.AuthToken == "" {
		errs = append(errs, errors.New("auth token is required (--auth-token or CELLAGENT_AUTH_TOKEN)"))
	}
	if c.SyncURL == "" {
		errs = append(errs, errors.New("sync URL must not be empty"))
	} else if _, err := url.Parse(c.SyncURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid sync URL: %w", err))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	return errors.Join(errs...)
}

// DatabaseURL returns the store connection URL with the auth token injected
// as the password when the URL names a user without one.
func (c *Config) DatabaseURL() string {
	u, err := url.Parse(c.SyncURL)
	if err != nil || u.User == nil {
		return c.SyncURL
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return c.SyncURL
	}
	u.User = url.UserPassword(u.User.Username(), c.AuthToken)
	return u.String()
}

// AIConfigured reports whether a model provider is usable.
func (c *Config) AIConfigured() bool {
	return c.OpenAIAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveRuntimeID determines the runtime host identifier.
// Priority: CELLAGENT_RUNTIME_ID env > HOSTNAME env > "local"
func resolveRuntimeID() string {
	if id := os.Getenv("CELLAGENT_RUNTIME_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
