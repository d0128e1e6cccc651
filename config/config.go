// Package config loads diskm8 settings from a config file and DISKM8_
// environment variables, and turns them into an engine configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/paleotronic/diskm8/disk"
	"github.com/paleotronic/diskm8/loggy"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const EnvPrefix = "DISKM8"

type Config struct {
	Home   string         `mapstructure:"home" yaml:"home" json:"home"`
	Log    LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
	Output string         `mapstructure:"output" yaml:"output" json:"output"`
	Engine EngineSettings `mapstructure:"engine" yaml:"engine" json:"engine"`
	Scan   ScanConfig     `mapstructure:"scan" yaml:"scan" json:"scan"`
	Shell  ShellConfig    `mapstructure:"shell" yaml:"shell" json:"shell"`
}

type LogConfig struct {
	Folder     string `mapstructure:"folder" yaml:"folder" json:"folder"`
	Level      string `mapstructure:"level" yaml:"level" json:"level"`
	Echo       bool   `mapstructure:"echo" yaml:"echo" json:"echo"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
}

type EngineSettings struct {
	ReadOnly         bool     `mapstructure:"read_only" yaml:"read_only" json:"read_only"`
	AllowWritePhys0  bool     `mapstructure:"allow_write_phys0" yaml:"allow_write_phys0" json:"allow_write_phys0"`
	SubVolumes       string   `mapstructure:"sub_volumes" yaml:"sub_volumes" json:"sub_volumes"`
	SectorOrders     []string `mapstructure:"sector_orders" yaml:"sector_orders" json:"sector_orders"`
	AllowLowerCase   bool     `mapstructure:"allow_lower_case" yaml:"allow_lower_case" json:"allow_lower_case"`
	SparseAllocation bool     `mapstructure:"sparse_allocation" yaml:"sparse_allocation" json:"sparse_allocation"`
	ProgressInterval int      `mapstructure:"progress_interval" yaml:"progress_interval" json:"progress_interval"`
}

type ScanConfig struct {
	Workers    int      `mapstructure:"workers" yaml:"workers" json:"workers"`
	Extensions []string `mapstructure:"extensions" yaml:"extensions" json:"extensions"`
}

type ShellConfig struct {
	HistoryFile string `mapstructure:"history_file" yaml:"history_file" json:"history_file"`
	MaxVolumes  int    `mapstructure:"max_volumes" yaml:"max_volumes" json:"max_volumes"`
}

// DefaultHome is ~/DiskM8, or %USERPROFILE%\DiskM8 on Windows.
func DefaultHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("USERPROFILE"), "DiskM8")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "DiskM8"
	}
	return filepath.Join(home, "DiskM8")
}

// DefaultExtensions are the file names a scan picks up.
var DefaultExtensions = []string{
	"po", "do", "dsk", "d13", "nib", "nb2", "raw", "2mg", "2img", "hdv",
	"dc", "dc42", "image", "img", "iso", "cpm", "app", "gz", "zip",
}

func setDefaults(v *viper.Viper) {
	home := DefaultHome()
	v.SetDefault("home", home)
	v.SetDefault("log.folder", filepath.Join(home, "logs"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.echo", false)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("output", "yaml")
	v.SetDefault("engine.read_only", false)
	v.SetDefault("engine.allow_write_phys0", false)
	v.SetDefault("engine.sub_volumes", "on")
	v.SetDefault("engine.sector_orders", []string{})
	v.SetDefault("engine.allow_lower_case", false)
	v.SetDefault("engine.sparse_allocation", false)
	v.SetDefault("engine.progress_interval", 64)
	v.SetDefault("scan.workers", 8)
	v.SetDefault("scan.extensions", DefaultExtensions)
	v.SetDefault("shell.history_file", filepath.Join(home, "history"))
	v.SetDefault("shell.max_volumes", 8)
}

// Load reads path from the OS filesystem. An empty path means defaults and
// environment only.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

func LoadFs(fs afero.Fs, path string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var subVolumeModes = map[string]disk.SubVolumeScan{
	"off":    disk.SubVolumeScanOff,
	"header": disk.SubVolumeScanHeaderOnly,
	"on":     disk.SubVolumeScanOn,
}

var sectorOrders = map[string]disk.SectorOrder{
	"prodos":   disk.SectorOrderProDOS,
	"dos":      disk.SectorOrderDOS,
	"cpm":      disk.SectorOrderCPM,
	"physical": disk.SectorOrderPhysical,
}

// ParseSectorOrder accepts prodos, dos, cpm or physical.
func ParseSectorOrder(s string) (disk.SectorOrder, error) {
	o, ok := sectorOrders[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return disk.SectorOrderUnknown, fmt.Errorf("sector order %q", s)
	}
	return o, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := loggy.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.MaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("log.max_size_mb must be at least 1, got %d", c.Log.MaxSizeMB))
	}
	switch c.Output {
	case "yaml", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("output must be yaml, json or text, got %q", c.Output))
	}
	if _, ok := subVolumeModes[strings.ToLower(c.Engine.SubVolumes)]; !ok {
		errs = append(errs, fmt.Errorf("engine.sub_volumes must be off, header or on, got %q", c.Engine.SubVolumes))
	}
	for _, o := range c.Engine.SectorOrders {
		if _, err := ParseSectorOrder(o); err != nil {
			errs = append(errs, fmt.Errorf("engine.sector_orders: %w", err))
		}
	}
	if c.Engine.ProgressInterval < 1 {
		errs = append(errs, fmt.Errorf("engine.progress_interval must be positive, got %d", c.Engine.ProgressInterval))
	}
	if c.Scan.Workers < 1 || c.Scan.Workers > 64 {
		errs = append(errs, fmt.Errorf("scan.workers must be between 1 and 64, got %d", c.Scan.Workers))
	}
	if len(c.Scan.Extensions) == 0 {
		errs = append(errs, errors.New("scan.extensions is empty"))
	}
	if c.Shell.MaxVolumes < 1 || c.Shell.MaxVolumes > 16 {
		errs = append(errs, fmt.Errorf("shell.max_volumes must be between 1 and 16, got %d", c.Shell.MaxVolumes))
	}
	return errors.Join(errs...)
}

// LogLevel is the validated log level.
func (c *Config) LogLevel() slog.Level {
	lv, _ := loggy.ParseLevel(c.Log.Level)
	return lv
}

// LogOptions describes the logger the settings ask for.
func (c *Config) LogOptions(app string) loggy.Options {
	return loggy.Options{
		Folder:     c.Log.Folder,
		App:        app,
		Level:      c.LogLevel(),
		Echo:       c.Log.Echo,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

// EngineConfig builds the disk engine configuration over fs.
func (c *Config) EngineConfig(fs afero.Fs, logger *slog.Logger) disk.Config {
	dc := disk.Config{
		Fs:                fs,
		Logger:            logger,
		AllowWritePhys0:   c.Engine.AllowWritePhys0,
		ScanForSubVolumes: subVolumeModes[strings.ToLower(c.Engine.SubVolumes)],
		AllowLowerCase:    c.Engine.AllowLowerCase,
		SparseAllocation:  c.Engine.SparseAllocation,
		ProgressInterval:  c.Engine.ProgressInterval,
	}
	if len(c.Engine.SectorOrders) > 0 {
		var orders disk.FixedOrderPolicy
		for _, s := range c.Engine.SectorOrders {
			o, _ := ParseSectorOrder(s)
			orders = append(orders, o)
		}
		dc.OrderPolicy = orders
	}
	return dc
}
