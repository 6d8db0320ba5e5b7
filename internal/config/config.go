package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"epd5in83b/internal/convert"
	"epd5in83b/internal/epd"
	appLog "epd5in83b/internal/log"
)

// SPIConfig selects the SPI port the panel hangs off.
type SPIConfig struct {
	// Port is the periph spireg name ("" = first port, usually /dev/spidev0.0).
	Port string `yaml:"port" json:"port"`
	// SpeedHz is the SPI clock in Hz.
	SpeedHz int64 `yaml:"speed_hz" json:"speed_hz"`
}

// PinsConfig names the GPIO lines wired to the panel. CS may be empty to
// let the SPI port drive chip select.
type PinsConfig struct {
	Reset string `yaml:"reset" json:"reset"`
	DC    string `yaml:"dc" json:"dc"`
	CS    string `yaml:"cs" json:"cs"`
	Busy  string `yaml:"busy" json:"busy"`
}

// SourceConfig describes where refresh cycles take their picture from.
// URL wins over Image when both are set.
type SourceConfig struct {
	Image        string `yaml:"image" json:"image"`
	URL          string `yaml:"url" json:"url"`
	WaitSelector string `yaml:"wait_selector" json:"wait_selector"`
}

// ImageConfig controls how pictures are mapped to the panel.
type ImageConfig struct {
	Rotate int  `yaml:"rotate" json:"rotate"`
	Dither bool `yaml:"dither" json:"dither"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the control API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the control API. Empty
	// disables the HTTP server.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	SPI  SPIConfig  `yaml:"spi" json:"spi"`
	Pins PinsConfig `yaml:"pins" json:"pins"`

	// BusyPoll is the pause between two busy-line samples.
	BusyPoll time.Duration `yaml:"busy_poll" json:"busy_poll"`
	// BusyTimeout bounds one wait on the busy line; 0 waits forever.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// Refresh is a standard 5-field cron spec (e.g. "*/30 * * * *") for
	// periodic refresh cycles. Empty disables scheduling.
	Refresh string `yaml:"refresh" json:"refresh"`

	Source SourceConfig `yaml:"source" json:"source"`
	Image  ImageConfig  `yaml:"image" json:"image"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration matching the
// Waveshare e-Paper HAT on a Raspberry Pi.
func DefaultConfig() *Config {
	opts := epd.DefaultOptions()
	return &Config{
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
		SPI: SPIConfig{
			SpeedHz: int64(epd.DefaultPeriphConfig().SPIFrequency / physic.Hertz),
		},
		Pins: PinsConfig{
			Reset: epd.DefaultPins.Reset,
			DC:    epd.DefaultPins.DC,
			CS:    epd.DefaultPins.CS,
			Busy:  epd.DefaultPins.Busy,
		},
		BusyPoll:    opts.BusyPollInterval,
		BusyTimeout: opts.BusyTimeout,
		Refresh:     "*/30 * * * *",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if _, err := appLog.ParseLevel(c.LogLevel); err != nil {
		c.LogLevel = def.LogLevel
	}
	if c.SPI.SpeedHz <= 0 {
		c.SPI.SpeedHz = def.SPI.SpeedHz
	}
	if c.Pins.Reset == "" {
		c.Pins.Reset = def.Pins.Reset
	}
	if c.Pins.DC == "" {
		c.Pins.DC = def.Pins.DC
	}
	if c.Pins.Busy == "" {
		c.Pins.Busy = def.Pins.Busy
	}
	if c.BusyPoll <= 0 {
		c.BusyPoll = def.BusyPoll
	}
	if c.BusyTimeout < 0 {
		c.BusyTimeout = 0
	}
	switch c.Image.Rotate {
	case 0, 90, 180, 270:
	default:
		c.Image.Rotate = 0
	}
}

// PeriphConfig returns the transport settings for epd.OpenPeriph.
func (c *Config) PeriphConfig() epd.PeriphConfig {
	return epd.PeriphConfig{
		SPIPort:      c.SPI.Port,
		SPIFrequency: physic.Frequency(c.SPI.SpeedHz) * physic.Hertz,
		Pins: epd.Pins{
			Reset: c.Pins.Reset,
			DC:    c.Pins.DC,
			CS:    c.Pins.CS,
			Busy:  c.Pins.Busy,
		},
	}
}

// DriverOptions returns the busy-wait settings for epd.New.
func (c *Config) DriverOptions() epd.Options {
	return epd.Options{
		BusyPollInterval: c.BusyPoll,
		BusyTimeout:      c.BusyTimeout,
	}
}

// ConvertOptions returns the image mapping settings.
func (c *Config) ConvertOptions() convert.Options {
	return convert.Options{Rotate: c.Image.Rotate, Dither: c.Image.Dither}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there with
//     0600 perms and returned.
//   - Otherwise the YAML is decoded over the defaults and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epd5in83b-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
