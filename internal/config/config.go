package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

const (
	TransportHTTP    = "http"
	TransportProcess = "process"

	HealthModeHTTP = "http"
	HealthModeRPC  = "rpc"
)

type Config struct {
	InstanceID string
	ServerPort int
	LogLevel   string

	Transport      string
	ServerURL      string
	HealthEndpoint string
	RPCPath        string
	HealthMode     string

	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	RetryDelay     time.Duration

	Process Process

	Dispatch        string
	SecretGuard     bool
	GitleaksConfig  string
	BulkConcurrency int
	Tools           Tools
}

// Process configures the subprocess transport.
type Process struct {
	Command        string
	Args           []string
	Dir            string
	EnvFile        string
	KeyringService string
	KeyringKeys    []string
}

// Tools names the downstream tools behind each facade operation.
type Tools struct {
	GetIssue        string
	SearchIssues    string
	TransitionIssue string
	GetTransitions  string
	AddComment      string
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", 3002)
	v.SetDefault("log_level", "info")
	v.SetDefault("transport", TransportHTTP)
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("health_endpoint", "/health")
	v.SetDefault("rpc_path", "")
	v.SetDefault("health_mode", "")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("probe_timeout", 5*time.Second)
	v.SetDefault("retry_delay", 10*time.Second)
	v.SetDefault("process.command", "")
	v.SetDefault("process.args", []string{})
	v.SetDefault("process.dir", "")
	v.SetDefault("process.env_file", "")
	v.SetDefault("process.keyring_service", "")
	v.SetDefault("process.keyring_keys", []string{})
	v.SetDefault("dispatch", "tools_call")
	v.SetDefault("secret_guard", false)
	v.SetDefault("gitleaks_config", "")
	v.SetDefault("bulk_concurrency", 4)
	v.SetDefault("tools.get_issue", "jira_get_issue")
	v.SetDefault("tools.search_issues", "jira_ls_issues")
	v.SetDefault("tools.transition_issue", "jira_transition_issue")
	v.SetDefault("tools.get_transitions", "jira_get_transitions")
	v.SetDefault("tools.add_comment", "jira_add_comment")

	bind := func(key string, envs ...string) {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	bind("port", "PORT", "SERVER_PORT")
	bind("log_level", "LOG_LEVEL")
	bind("transport", "MCP_TRANSPORT")
	bind("server_url", "MCP_SERVER_URL")
	bind("health_endpoint", "MCP_SERVER_HEALTH_ENDPOINT")
	bind("rpc_path", "MCP_RPC_PATH")
	bind("health_mode", "MCP_HEALTH_MODE")
	bind("request_timeout", "MCP_REQUEST_TIMEOUT")
	bind("probe_timeout", "MCP_PROBE_TIMEOUT")
	bind("retry_delay", "MCP_RETRY_DELAY")
	bind("process.command", "MCP_SERVER_COMMAND")
	bind("process.args", "MCP_SERVER_ARGS")
	bind("process.dir", "MCP_SERVER_DIR")
	bind("process.env_file", "MCP_ENV_FILE")
	bind("process.keyring_service", "MCP_KEYRING_SERVICE")
	bind("process.keyring_keys", "MCP_KEYRING_KEYS")
	bind("dispatch", "MCP_DISPATCH")
	bind("secret_guard", "MCP_SECRET_GUARD")
	bind("gitleaks_config", "MCP_GITLEAKS_CONFIG")
	bind("bulk_concurrency", "MCP_BULK_CONCURRENCY")

	return v
}

// Load reads an optional config file, then builds and validates the Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		InstanceID:      uuid.NewString(),
		ServerPort:      v.GetInt("port"),
		LogLevel:        v.GetString("log_level"),
		Transport:       strings.ToLower(v.GetString("transport")),
		ServerURL:       strings.TrimRight(v.GetString("server_url"), "/"),
		HealthEndpoint:  v.GetString("health_endpoint"),
		RPCPath:         v.GetString("rpc_path"),
		HealthMode:      strings.ToLower(v.GetString("health_mode")),
		RequestTimeout:  v.GetDuration("request_timeout"),
		ProbeTimeout:    v.GetDuration("probe_timeout"),
		RetryDelay:      v.GetDuration("retry_delay"),
		Dispatch:        v.GetString("dispatch"),
		SecretGuard:     v.GetBool("secret_guard"),
		GitleaksConfig:  v.GetString("gitleaks_config"),
		BulkConcurrency: v.GetInt("bulk_concurrency"),
		Process: Process{
			Command:        v.GetString("process.command"),
			Args:           v.GetStringSlice("process.args"),
			Dir:            v.GetString("process.dir"),
			EnvFile:        v.GetString("process.env_file"),
			KeyringService: v.GetString("process.keyring_service"),
			KeyringKeys:    splitList(v.GetStringSlice("process.keyring_keys")),
		},
		Tools: Tools{
			GetIssue:        v.GetString("tools.get_issue"),
			SearchIssues:    v.GetString("tools.search_issues"),
			TransitionIssue: v.GetString("tools.transition_issue"),
			GetTransitions:  v.GetString("tools.get_transitions"),
			AddComment:      v.GetString("tools.add_comment"),
		},
	}
	if cfg.HealthMode == "" {
		cfg.HealthMode = HealthModeHTTP
		if cfg.Transport == TransportProcess {
			cfg.HealthMode = HealthModeRPC
		}
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportHTTP:
		if c.ServerURL == "" {
			return fmt.Errorf("MCP_SERVER_URL is required for the http transport")
		}
	case TransportProcess:
		if c.Process.Command == "" {
			return fmt.Errorf("MCP_SERVER_COMMAND is required for the process transport")
		}
		if c.HealthMode == HealthModeHTTP && c.ServerURL == "" {
			return fmt.Errorf("MCP_SERVER_URL is required for http health checks")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.HealthMode {
	case HealthModeHTTP, HealthModeRPC:
	default:
		return fmt.Errorf("unknown health mode %q", c.HealthMode)
	}
	switch c.Dispatch {
	case "tools_call", "method":
	default:
		return fmt.Errorf("unknown dispatch convention %q", c.Dispatch)
	}
	return nil
}

func (c *Config) RPCURL() string {
	return c.ServerURL + c.RPCPath
}

func (c *Config) HealthURL() string {
	return c.ServerURL + c.HealthEndpoint
}

// ProcessEnv collects the variables injected into the subprocess: the env file
// first, then keychain entries. Only key names are logged.
func (c *Config) ProcessEnv(logger *zap.Logger) (map[string]string, error) {
	env := make(map[string]string)

	if c.Process.EnvFile != "" {
		vars, err := readEnvFile(c.Process.EnvFile)
		switch {
		case os.IsNotExist(err):
			logger.Warn("MCP server env file not found", zap.String("path", c.Process.EnvFile))
		case err != nil:
			return nil, err
		default:
			for k, val := range vars {
				env[k] = val
			}
			logger.Info("Loaded environment variables from env file", zap.String("path", c.Process.EnvFile), zap.Strings("keys", keys(vars)))
		}
	}

	if c.Process.KeyringService != "" {
		for _, key := range c.Process.KeyringKeys {
			secret, err := keyring.Get(c.Process.KeyringService, key)
			if err == keyring.ErrNotFound {
				logger.Warn("Credential not found in keychain", zap.String("service", c.Process.KeyringService), zap.String("key", key))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s from keychain: %w", key, err)
			}
			env[key] = secret
		}
	}
	return env, nil
}

func readEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	// viper lowercases keys; environment names are conventionally upper case
	vars := make(map[string]string)
	for _, k := range v.AllKeys() {
		vars[strings.ToUpper(k)] = v.GetString(k)
	}
	return vars, nil
}

// splitList accepts whitespace or comma separated values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			out = append(out, part)
		}
	}
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
