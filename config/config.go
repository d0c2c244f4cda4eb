// Package config resolves the cache configuration from the environment and an
// optional YAML file.
//
// Recognized variables:
//
//	DISK_CACHE_DIR            cache directory (default <user cache dir>/diskcache)
//	DISK_CACHE_FILENAME       registry file name (default cache_to_disk_caches.json)
//	DISK_CACHE_LOCK_MAX_WAIT  lock retry budget, seconds or a duration ("10s")
//	DISK_CACHE_LOCK_INTERVAL  sleep between lock attempts, seconds or a duration
//	DEFAULT_CACHE_AGE         default TTL in days, or a duration ("2w")
//	DISK_CACHE_CONFIG         optional YAML file with the same keys
//
// Environment variables take precedence over the file. Paths expand "~" and
// $VAR references. Durations accept plain seconds or str2duration strings
// such as "1d", "2w" or "500ms".
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
)

// Environment variable names.
const (
	EnvDir          = "DISK_CACHE_DIR"
	EnvFileName     = "DISK_CACHE_FILENAME"
	EnvLockMaxWait  = "DISK_CACHE_LOCK_MAX_WAIT"
	EnvLockInterval = "DISK_CACHE_LOCK_INTERVAL"
	EnvDefaultAge   = "DEFAULT_CACHE_AGE"
	EnvConfigFile   = "DISK_CACHE_CONFIG"
)

// Viper keys; also the keys of the YAML file.
const (
	KeyDir          = "dir"
	KeyFileName     = "filename"
	KeyLockMaxWait  = "lock_max_wait"
	KeyLockInterval = "lock_interval"
	KeyDefaultAge   = "default_cache_age"
)

// Defaults.
const (
	DefaultFileName     = "cache_to_disk_caches.json"
	DefaultLockMaxWait  = 10 * time.Second
	DefaultLockInterval = 100 * time.Millisecond
	DefaultTTLDays      = 15
)

// Config is the resolved configuration.
type Config struct {
	Dir            string
	RegistryFile   string
	LockMaxWait    time.Duration
	LockInterval   time.Duration
	DefaultTTLDays int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Dir:            defaultDir(),
		RegistryFile:   DefaultFileName,
		LockMaxWait:    DefaultLockMaxWait,
		LockInterval:   DefaultLockInterval,
		DefaultTTLDays: DefaultTTLDays,
	}
}

// Load resolves the configuration from the process environment.
func Load() (Config, error) {
	v, err := New()
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// New returns a viper instance with defaults, environment bindings and the
// optional DISK_CACHE_CONFIG file loaded. Callers may bind flags on top of it.
func New() (*viper.Viper, error) {
	v := viper.New()
	d := Default()
	v.SetDefault(KeyDir, d.Dir)
	v.SetDefault(KeyFileName, d.RegistryFile)
	v.SetDefault(KeyLockMaxWait, "10")
	v.SetDefault(KeyLockInterval, "0.1")
	v.SetDefault(KeyDefaultAge, strconv.Itoa(d.DefaultTTLDays))

	for key, env := range map[string]string{
		KeyDir:          EnvDir,
		KeyFileName:     EnvFileName,
		KeyLockMaxWait:  EnvLockMaxWait,
		KeyLockInterval: EnvLockInterval,
		KeyDefaultAge:   EnvDefaultAge,
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "config: bind %s", env)
		}
	}

	if file := os.Getenv(EnvConfigFile); file != "" {
		v.SetConfigFile(ExpandPath(file))
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", file)
		}
	}
	return v, nil
}

// FromViper converts the raw viper values into a Config.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Dir:          ExpandPath(v.GetString(KeyDir)),
		RegistryFile: strings.TrimSpace(v.GetString(KeyFileName)),
	}
	if cfg.Dir == "" {
		cfg.Dir = defaultDir()
	}
	if cfg.RegistryFile == "" {
		cfg.RegistryFile = DefaultFileName
	}
	if strings.ContainsAny(cfg.RegistryFile, `/\`) {
		return Config{}, errors.Newf("config: %s must be a file name, got %q", EnvFileName, cfg.RegistryFile)
	}

	var err error
	if cfg.LockMaxWait, err = ParseDuration(v.GetString(KeyLockMaxWait)); err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", EnvLockMaxWait)
	}
	if cfg.LockInterval, err = ParseDuration(v.GetString(KeyLockInterval)); err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", EnvLockInterval)
	}
	if cfg.LockInterval <= 0 {
		return Config{}, errors.Newf("config: %s must be positive", EnvLockInterval)
	}
	if cfg.DefaultTTLDays, err = ParseDays(v.GetString(KeyDefaultAge)); err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", EnvDefaultAge)
	}
	return cfg, nil
}

// ParseDuration accepts plain seconds ("10", "0.1") or a duration string
// ("10s", "1d", "2w"). Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, errors.Newf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse duration %q", s)
	}
	if d < 0 {
		return 0, errors.Newf("negative duration %q", s)
	}
	return d, nil
}

// ParseDays accepts a day count ("15", "1.5" rounds down) or a duration
// ("2w", "36h") rounded down to whole days. Negative counts clamp to 0.
func ParseDays(s string) (int, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return max(int(f), 0), nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse days %q", s)
	}
	return max(int(d/(24*time.Hour)), 0), nil
}

// ExpandPath resolves $VAR references and a leading "~".
func ExpandPath(p string) string {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

func defaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "diskcache")
}
