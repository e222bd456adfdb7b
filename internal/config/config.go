// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the simulator.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Client   ClientConfig   `toml:"client"`
	Storage  StorageConfig  `toml:"storage"`
	Scenario ScenarioConfig `toml:"scenario"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds settings for the embedded dev state server.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ClientConfig holds settings for the engine clients the simulator runs.
type ClientConfig struct {
	BaseURL      string   `toml:"base_url"`      // empty = use the embedded server
	PollInterval Duration `toml:"poll_interval"` // 0 = no background polling
	Stream       bool     `toml:"stream"`        // use the websocket state stream
}

// StorageConfig holds storage-related settings.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// ScenarioConfig holds scenario runner settings.
type ScenarioConfig struct {
	Story        string   `toml:"story"`    // story document path
	Path         string   `toml:"path"`     // scenario Lua file path
	Ticks        int      `toml:"ticks"`    // 0 = run until the scenario idles
	TickInterval Duration `toml:"tick_interval"`
	Hotload      bool     `toml:"hotload"` // reload the scenario file on change
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0=none, 1=lifecycle, 2=sync, 3=variables, 4=payloads
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
// This allows both "-v -v -v" and "-vvv" styles to work.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Client: ClientConfig{
			PollInterval: Duration(time.Second),
			Stream:       true,
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "engine.db",
		},
		Scenario: ScenarioConfig{
			TickInterval: Duration(250 * time.Millisecond),
			Hotload:      true,
		},
		Logging: LoggingConfig{
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("engine-sim", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file path")

	// Server flags
	host := fs.String("host", "", "Dev server listen address")
	port := fs.Int("port", 0, "Dev server listen port")

	// Client flags
	baseURL := fs.String("base-url", "", "State server base URL (default: embedded server)")
	pollInterval := fs.Duration("poll-interval", 0, "Background poll interval (0=disabled)")
	stream := fs.Bool("stream", true, "Use the websocket state stream")

	// Storage flags
	storage := fs.String("storage", "", "Storage type: memory, sqlite, postgresql")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL connection URL")

	// Scenario flags
	story := fs.String("story", "", "Story document path")
	scenario := fs.String("scenario", "", "Scenario Lua file path")
	ticks := fs.Int("ticks", 0, "Tick limit (0=run until idle)")
	tickInterval := fs.Duration("tick-interval", 0, "Delay between scenario ticks")
	hotload := fs.Bool("hotload", true, "Reload the scenario file on change")

	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Only flags the user actually set override; a default value must
	// not mask a TOML or env setting.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	tomlPath := "config/config.toml"
	if *configPath != "" {
		tomlPath = *configPath
	}
	if err := cfg.loadTOML(tomlPath); err != nil {
		if *configPath != "" || !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if set["host"] {
		cfg.Server.Host = *host
	}
	if set["port"] {
		cfg.Server.Port = *port
	}
	if set["base-url"] {
		cfg.Client.BaseURL = *baseURL
	}
	if set["poll-interval"] {
		cfg.Client.PollInterval = Duration(*pollInterval)
	}
	if set["stream"] {
		cfg.Client.Stream = *stream
	}
	if set["storage"] {
		cfg.Storage.Type = *storage
	}
	if set["storage-path"] {
		cfg.Storage.Path = *storagePath
	}
	if set["storage-url"] {
		cfg.Storage.URL = *storageURL
	}
	if set["story"] {
		cfg.Scenario.Story = *story
	}
	if set["scenario"] {
		cfg.Scenario.Path = *scenario
	}
	if set["ticks"] {
		cfg.Scenario.Ticks = *ticks
	}
	if set["tick-interval"] {
		cfg.Scenario.TickInterval = Duration(*tickInterval)
	}
	if set["hotload"] {
		cfg.Scenario.Hotload = *hotload
	}
	if set["v"] {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENGINE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("ENGINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ENGINE_BASE_URL"); v != "" {
		c.Client.BaseURL = v
	}
	if v := os.Getenv("ENGINE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Client.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("ENGINE_STREAM"); v != "" {
		c.Client.Stream = v == "true" || v == "1"
	}
	if v := os.Getenv("ENGINE_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("ENGINE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("ENGINE_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("ENGINE_STORY"); v != "" {
		c.Scenario.Story = v
	}
	if v := os.Getenv("ENGINE_SCENARIO"); v != "" {
		c.Scenario.Path = v
	}
	if v := os.Getenv("ENGINE_TICKS"); v != "" {
		if ticks, err := strconv.Atoi(v); err == nil {
			c.Scenario.Ticks = ticks
		}
	}
	if v := os.Getenv("ENGINE_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scenario.TickInterval = Duration(d)
		}
	}
	if v := os.Getenv("ENGINE_HOTLOAD"); v != "" {
		c.Scenario.Hotload = v == "true" || v == "1"
	}
	if v := os.Getenv("ENGINE_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}
