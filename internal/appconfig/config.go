package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/notebuf/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Kernel        KernelConfig  `mapstructure:"kernel" yaml:"kernel"`
	Display       DisplayConfig `mapstructure:"display" yaml:"display"`
	Images        ImagesConfig  `mapstructure:"images" yaml:"images"`
	Gateway       GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// KernelConfig controls how kernels are found, launched and talked to.
type KernelConfig struct {
	// Default names the kernelspec used when a notebook carries none.
	Default    string   `mapstructure:"default" yaml:"default"`
	RuntimeDir string   `mapstructure:"runtime_dir" yaml:"runtime_dir"`
	SpecDirs   []string `mapstructure:"spec_dirs" yaml:"spec_dirs"`
	Username   string   `mapstructure:"username" yaml:"username"`

	KernelInfoTimeoutSeconds int `mapstructure:"kernel_info_timeout_seconds" yaml:"kernel_info_timeout_seconds"`
	IsCompleteTimeoutMillis  int `mapstructure:"is_complete_timeout_ms" yaml:"is_complete_timeout_ms"`
	ShutdownTimeoutSeconds   int `mapstructure:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	StopTimeoutSeconds       int `mapstructure:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
	HeartbeatSeconds         int `mapstructure:"heartbeat_seconds" yaml:"heartbeat_seconds"`
	StdinPollMillis          int `mapstructure:"stdin_poll_ms" yaml:"stdin_poll_ms"`
	ReplyPollMillis          int `mapstructure:"reply_poll_ms" yaml:"reply_poll_ms"`

	UseKernelIsComplete bool `mapstructure:"use_kernel_is_complete" yaml:"use_kernel_is_complete"`
	HistoryMax          int  `mapstructure:"history_max" yaml:"history_max"`
}

// DisplayConfig controls the output surface.
type DisplayConfig struct {
	IncludeOtherOutput bool   `mapstructure:"include_other_output" yaml:"include_other_output"`
	OtherOutputPrefix  string `mapstructure:"other_output_prefix" yaml:"other_output_prefix"`
	EchoOwnInput       bool   `mapstructure:"echo_own_input" yaml:"echo_own_input"`
	MaxLines           int    `mapstructure:"max_lines" yaml:"max_lines"`
	ClearOnRun         bool   `mapstructure:"clear_on_run" yaml:"clear_on_run"`
	// WindowRatio is the output window size relative to the editor window.
	WindowRatio float64 `mapstructure:"window_ratio" yaml:"window_ratio"`
	// WindowDirection is one of below, above, left or right.
	WindowDirection string `mapstructure:"window_direction" yaml:"window_direction"`
}

// ImagesConfig selects the image renderer.
type ImagesConfig struct {
	// Handler is one of none, viewer, tempfile or callback.
	Handler         string   `mapstructure:"handler" yaml:"handler"`
	ViewerCommand   []string `mapstructure:"viewer_command" yaml:"viewer_command"`
	TempfileCommand []string `mapstructure:"tempfile_command" yaml:"tempfile_command"`
	TimeoutSeconds  int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MimePreference  []string `mapstructure:"mime_preference" yaml:"mime_preference"`
}

// GatewayConfig points notebuf at a Jupyter server instead of local kernels.
type GatewayConfig struct {
	URL                 string `mapstructure:"url" yaml:"url"`
	Token               string `mapstructure:"token" yaml:"token"`
	PingIntervalSeconds int    `mapstructure:"ping_interval_seconds" yaml:"ping_interval_seconds"`
}

// LoggingConfig controls audit logging.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".notebuf", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Kernel: KernelConfig{
			Default:                  "python3",
			RuntimeDir:               filepath.Join(stateDir, "runtime"),
			KernelInfoTimeoutSeconds: 60,
			IsCompleteTimeoutMillis:  1000,
			ShutdownTimeoutSeconds:   5,
			StopTimeoutSeconds:       5,
			HeartbeatSeconds:         3,
			StdinPollMillis:          50,
			ReplyPollMillis:          50,
			UseKernelIsComplete:      true,
			HistoryMax:               200,
		},
		Display: DisplayConfig{
			IncludeOtherOutput: true,
			OtherOutputPrefix:  schema.DefaultOtherOutputPrefix,
			MaxLines:           schema.DefaultDisplayMaxLines,
			WindowRatio:        0.3,
			WindowDirection:    "below",
		},
		Images: ImagesConfig{
			Handler:         "none",
			ViewerCommand:   []string{"kitty", "+kitten", "icat"},
			TempfileCommand: []string{"xdg-open", "{file}"},
			TimeoutSeconds:  10,
			MimePreference:  append([]string(nil), schema.DefaultMimePreference...),
		},
		Gateway: GatewayConfig{
			PingIntervalSeconds: 30,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".notebuf", "config.yaml"), nil
}

// SessionConfig converts the loaded settings into execution session policy.
func (c Config) SessionConfig() (schema.SessionConfig, error) {
	return schema.NormalizeSessionConfig(schema.SessionConfig{
		KernelInfoTimeout:       seconds(c.Kernel.KernelInfoTimeoutSeconds),
		IsCompleteTimeout:       millis(c.Kernel.IsCompleteTimeoutMillis),
		StdinPollInterval:       millis(c.Kernel.StdinPollMillis),
		ReplyPollInterval:       millis(c.Kernel.ReplyPollMillis),
		ShutdownTimeout:         seconds(c.Kernel.ShutdownTimeoutSeconds),
		DisableKernelIsComplete: !c.Kernel.UseKernelIsComplete,
		IncludeOtherOutput:      c.Display.IncludeOtherOutput,
		OtherOutputPrefix:       c.Display.OtherOutputPrefix,
		EchoOwnInput:            c.Display.EchoOwnInput,
		MimePreference:          c.Images.MimePreference,
		DisplayMaxLines:         c.Display.MaxLines,
		HistoryMax:              c.Kernel.HistoryMax,
		Username:                c.Kernel.Username,
	})
}

// HistoryPath is where submitted code history is kept between runs.
func (c Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.json")
}

// LogPath is the log file used when stdout belongs to the editor.
func (c Config) LogPath() string {
	return filepath.Join(c.StateDir, "notebuf.log")
}

// UseGateway reports whether kernels live on a remote Jupyter server.
func (c Config) UseGateway() bool {
	return c.Gateway.URL != ""
}

func validateDisplay(cfg DisplayConfig) error {
	switch cfg.WindowDirection {
	case "", "below", "above", "left", "right":
	default:
		return fmt.Errorf("display.window_direction must be below, above, left or right")
	}
	if cfg.WindowRatio < 0 || cfg.WindowRatio >= 1 {
		return fmt.Errorf("display.window_ratio must be in [0, 1)")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
