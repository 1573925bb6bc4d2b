package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("kernel.default", cfg.Kernel.Default)
	v.SetDefault("kernel.runtime_dir", cfg.Kernel.RuntimeDir)
	v.SetDefault("kernel.spec_dirs", cfg.Kernel.SpecDirs)
	v.SetDefault("kernel.username", cfg.Kernel.Username)
	v.SetDefault("kernel.kernel_info_timeout_seconds", cfg.Kernel.KernelInfoTimeoutSeconds)
	v.SetDefault("kernel.is_complete_timeout_ms", cfg.Kernel.IsCompleteTimeoutMillis)
	v.SetDefault("kernel.shutdown_timeout_seconds", cfg.Kernel.ShutdownTimeoutSeconds)
	v.SetDefault("kernel.stop_timeout_seconds", cfg.Kernel.StopTimeoutSeconds)
	v.SetDefault("kernel.heartbeat_seconds", cfg.Kernel.HeartbeatSeconds)
	v.SetDefault("kernel.stdin_poll_ms", cfg.Kernel.StdinPollMillis)
	v.SetDefault("kernel.reply_poll_ms", cfg.Kernel.ReplyPollMillis)
	v.SetDefault("kernel.use_kernel_is_complete", cfg.Kernel.UseKernelIsComplete)
	v.SetDefault("kernel.history_max", cfg.Kernel.HistoryMax)
	v.SetDefault("display.include_other_output", cfg.Display.IncludeOtherOutput)
	v.SetDefault("display.other_output_prefix", cfg.Display.OtherOutputPrefix)
	v.SetDefault("display.echo_own_input", cfg.Display.EchoOwnInput)
	v.SetDefault("display.max_lines", cfg.Display.MaxLines)
	v.SetDefault("display.clear_on_run", cfg.Display.ClearOnRun)
	v.SetDefault("display.window_ratio", cfg.Display.WindowRatio)
	v.SetDefault("display.window_direction", cfg.Display.WindowDirection)
	v.SetDefault("images.handler", cfg.Images.Handler)
	v.SetDefault("images.viewer_command", cfg.Images.ViewerCommand)
	v.SetDefault("images.tempfile_command", cfg.Images.TempfileCommand)
	v.SetDefault("images.timeout_seconds", cfg.Images.TimeoutSeconds)
	v.SetDefault("images.mime_preference", cfg.Images.MimePreference)
	v.SetDefault("gateway.url", cfg.Gateway.URL)
	v.SetDefault("gateway.token", cfg.Gateway.Token)
	v.SetDefault("gateway.ping_interval_seconds", cfg.Gateway.PingIntervalSeconds)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		switch v.GetString("images.handler") {
		case "", "none", "viewer", "tempfile", "callback":
		default:
			return Config{}, fmt.Errorf("unsupported images.handler %q", v.GetString("images.handler"))
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateDisplay(cfg.Display); err != nil {
		return Config{}, err
	}
	if err := validateGateway(cfg.Gateway); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateGateway(cfg GatewayConfig) error {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("gateway.url must include scheme and host (e.g. http://localhost:8888)")
	}
	switch parsed.Scheme {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("gateway.url scheme must be http or https")
	}
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Kernel.RuntimeDir = expandEnv(cfg.Kernel.RuntimeDir)
	for i, dir := range cfg.Kernel.SpecDirs {
		cfg.Kernel.SpecDirs[i] = expandEnv(dir)
	}
	cfg.Gateway.URL = expandEnv(cfg.Gateway.URL)
	cfg.Gateway.Token = expandEnv(cfg.Gateway.Token)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
