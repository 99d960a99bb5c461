package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/superfly/dosimg/command"
	"github.com/superfly/dosimg/database"
	"github.com/superfly/dosimg/s3"
	"github.com/superfly/dosimg/stages"
)

const (
	defaultSourceURL = "http://www.freedos.org/download/download/fd11src.iso"
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLockPath  = "/run/lock/dosimg.lock"
	defaultDBPath    = "/var/lib/dosimg/builds.db"
	defaultMinFree   = 64 // MiB, on top of the image size
)

// Configuration keys. Nested keys map to DOSIMG_<SECTION>_<KEY> in the
// environment.
const (
	keyImagePath     = "image.path"
	keyImageSizeMiB  = "image.size_mib"
	keyPartedScript  = "image.parted_script"
	keySourceURL     = "source.url"
	keySourcePath    = "source.path"
	keySourceOptions = "source.mount_options"
	keyMountDir      = "mount_dir"
	keyTargetName    = "target_name"
	keySourceName    = "source_name"
	keyTempDir       = "temp_dir"
	keySyncDir       = "sync_dir"
	keyBiosDir       = "bios_dir"
	keyBootPackage   = "packages.boot"
	keyBaseDir       = "packages.base_dir"
	keyRequiredFiles = "packages.required_files"
	keyDBPath        = "db_path"
	keyLockPath      = "lock_path"
	keyCommandPrefix = "command_prefix"
	keyMaxBusyWait   = "max_busy_wait"
	keyMinFreeMiB    = "min_free_mib"
	keyMetricsFile   = "metrics_file"
	keyS3Region      = "s3.region"
	keyS3Endpoint    = "s3.endpoint"
	keyLogLevel      = "log.level"
	keyLogFormat     = "log.format"
	keyLogFile       = "log.file"
)

// commandBindings maps configuration keys to the flags a subcommand defines.
var commandBindings = map[string]map[string]string{
	"build": {
		keyImagePath:    "image",
		keyImageSizeMiB: "size-mib",
		keyPartedScript: "parted-script",
		keySourceURL:    "source-url",
		keySourcePath:   "source",
		keyMountDir:     "mount-dir",
		keyTempDir:      "temp-dir",
		keySyncDir:      "sync-dir",
		keyBiosDir:      "bios-dir",
		keyMaxBusyWait:  "max-busy-wait",
		keyMetricsFile:  "metrics-file",
	},
	"fetch": {
		keySourceURL:  "source-url",
		keySourcePath: "source",
	},
}

// Config is the resolved configuration of one invocation.
type Config struct {
	Build stages.Config

	// SourceURL is fetched into Build.SourceISO when that file is missing.
	SourceURL string

	DBPath   string
	LockPath string

	// CommandPrefix is prepended to every external tool, usually sudo when
	// not running as root.
	CommandPrefix []string

	// MaxBusyWait bounds retries of busy unmounts and directory removals.
	MaxBusyWait time.Duration

	// MinFreeMiB is the space required next to the image beyond its size.
	MinFreeMiB uint64

	MetricsFile string
	S3          s3.Config

	LogLevel  string
	LogFormat string
	LogFile   string
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Build:         stages.DefaultConfig(),
		SourceURL:     defaultSourceURL,
		DBPath:        defaultDBPath,
		LockPath:      defaultLockPath,
		CommandPrefix: command.DefaultPrefix(),
		MaxBusyWait:   10 * time.Second,
		MinFreeMiB:    defaultMinFree,
		S3:            s3.DefaultConfig(),
		LogLevel:      defaultLogLevel,
		LogFormat:     defaultLogFormat,
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault(keyImagePath, d.Build.ImagePath)
	v.SetDefault(keyImageSizeMiB, d.Build.ImageSizeMiB)
	v.SetDefault(keyPartedScript, d.Build.PartedScript)
	v.SetDefault(keySourceURL, d.SourceURL)
	v.SetDefault(keySourcePath, d.Build.SourceISO)
	v.SetDefault(keySourceOptions, d.Build.SourceMountOptions)
	v.SetDefault(keyMountDir, d.Build.MountDir)
	v.SetDefault(keyTargetName, d.Build.TargetName)
	v.SetDefault(keySourceName, d.Build.SourceName)
	v.SetDefault(keyTempDir, d.Build.TempDir)
	v.SetDefault(keySyncDir, d.Build.SyncDir)
	v.SetDefault(keyBiosDir, d.Build.BiosDir)
	v.SetDefault(keyBootPackage, d.Build.BootPackage)
	v.SetDefault(keyBaseDir, d.Build.BasePackagesDir)
	v.SetDefault(keyRequiredFiles, d.Build.RequiredFiles)
	v.SetDefault(keyDBPath, d.DBPath)
	v.SetDefault(keyLockPath, d.LockPath)
	v.SetDefault(keyCommandPrefix, d.CommandPrefix)
	v.SetDefault(keyMaxBusyWait, d.MaxBusyWait)
	v.SetDefault(keyMinFreeMiB, d.MinFreeMiB)
	v.SetDefault(keyMetricsFile, d.MetricsFile)
	v.SetDefault(keyS3Region, d.S3.Region)
	v.SetDefault(keyS3Endpoint, d.S3.Endpoint)
	v.SetDefault(keyLogLevel, d.LogLevel)
	v.SetDefault(keyLogFormat, d.LogFormat)
	v.SetDefault(keyLogFile, d.LogFile)

	v.SetEnvPrefix("DOSIMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	return v
}

// configSearchPaths are tried, in order, under the XDG config directories.
var configSearchPaths = []string{
	"dosimg/config.yaml",
	"dosimg/config.yml",
	"dosimg/config.toml",
	"dosimg/config.json",
}

// findConfigFile returns the first config file found in the XDG config
// directories.
func findConfigFile() (string, bool) {
	for _, rel := range configSearchPaths {
		if p, err := xdg.SearchConfigFile(rel); err == nil {
			return p, true
		}
	}
	return "", false
}

// readConfigFile merges path, or the discovered config file when path is
// empty, into v. A missing discovered file is not an error; a missing
// explicit one is.
func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		found, ok := findConfigFile()
		if !ok {
			return nil
		}
		path = found
	} else if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found: %s", path)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// loadConfig builds a Config from v and validates it.
func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Build: stages.Config{
			ImagePath:          v.GetString(keyImagePath),
			ImageSizeMiB:       v.GetInt64(keyImageSizeMiB),
			PartedScript:       v.GetString(keyPartedScript),
			MountDir:           v.GetString(keyMountDir),
			TargetName:         v.GetString(keyTargetName),
			SourceName:         v.GetString(keySourceName),
			SourceISO:          v.GetString(keySourcePath),
			SourceMountOptions: v.GetStringSlice(keySourceOptions),
			TempDir:            v.GetString(keyTempDir),
			SyncDir:            v.GetString(keySyncDir),
			BiosDir:            v.GetString(keyBiosDir),
			BootPackage:        v.GetString(keyBootPackage),
			BasePackagesDir:    v.GetString(keyBaseDir),
			RequiredFiles:      v.GetStringSlice(keyRequiredFiles),
		},
		SourceURL:     v.GetString(keySourceURL),
		DBPath:        v.GetString(keyDBPath),
		LockPath:      v.GetString(keyLockPath),
		CommandPrefix: v.GetStringSlice(keyCommandPrefix),
		MaxBusyWait:   v.GetDuration(keyMaxBusyWait),
		MinFreeMiB:    v.GetUint64(keyMinFreeMiB),
		MetricsFile:   v.GetString(keyMetricsFile),
		S3: s3.Config{
			Region:   v.GetString(keyS3Region),
			Endpoint: v.GetString(keyS3Endpoint),
		},
		LogLevel:  v.GetString(keyLogLevel),
		LogFormat: v.GetString(keyLogFormat),
		LogFile:   v.GetString(keyLogFile),
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that are not covered by stages.Config.
func (c Config) Validate() error {
	var errs []error
	if err := c.Build.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SourceURL == "" {
		errs = append(errs, errors.New("source URL must be set"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path must be set"))
	}
	if c.LockPath == "" {
		errs = append(errs, errors.New("lock path must be set"))
	}
	if c.MaxBusyWait < 0 {
		errs = append(errs, fmt.Errorf("max busy wait must not be negative, got %s", c.MaxBusyWait))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (want json or text)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// databaseConfig returns the database settings for c.
func (c Config) databaseConfig(logger logrus.FieldLogger) database.Config {
	dc := database.DefaultConfig()
	dc.Path = c.DBPath
	dc.Logger = logger
	return dc
}

// defaultCacheDir is where `dosimg fetch` stores artifacts when no
// destination is given and the URL is not the configured source.
func defaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, "dosimg")
}
