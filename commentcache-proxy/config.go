package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/jedisct1/dlog"

	"github.com/happyheadlines/commentcache/threadcache"
)

type Config struct {
	ListenAddress   string           `toml:"listen_address"`
	MaxClients      uint32           `toml:"max_clients"`
	Timeout         int              `toml:"timeout_ms"`
	LogLevel        int              `toml:"log_level"`
	LogFile         *string          `toml:"log_file"`
	UseSyslog       bool             `toml:"use_syslog"`
	AccessLog       AccessLogConfig  `toml:"access_log"`
	LogMaxSize      int              `toml:"log_files_max_size"`
	LogMaxAge       int              `toml:"log_files_max_age"`
	LogMaxBackups   int              `toml:"log_files_max_backups"`
	EnableHotReload bool             `toml:"enable_hot_reload"`
	PidFile         string           `toml:"pid_file"`
	Cache           CacheConfig      `toml:"cache"`
	Redis           RedisConfig      `toml:"redis"`
	Upstream        UpstreamConfig   `toml:"upstream"`
	Profanity       ProfanityConfig  `toml:"profanity"`
	Monitoring      MonitoringConfig `toml:"monitoring"`
}

type AccessLogConfig struct {
	File string `toml:"file"`
}

type CacheConfig struct {
	MaxThreads          int `toml:"max_threads"`
	ItemTTL             int `toml:"item_ttl"`
	EmptyMarkerTTL      int `toml:"empty_marker_ttl"`
	OpTimeout           int `toml:"op_timeout_ms"`
	FallbackSize        int `toml:"fallback_size"`
	MaintenanceInterval int `toml:"maintenance_interval"`
}

type RedisConfig struct {
	Address      string `toml:"address"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	DialTimeout  int    `toml:"dial_timeout_ms"`
	ReadTimeout  int    `toml:"read_timeout_ms"`
	WriteTimeout int    `toml:"write_timeout_ms"`
}

type UpstreamConfig struct {
	URL     string `toml:"url"`
	Timeout int    `toml:"timeout_ms"`
}

type ProfanityConfig struct {
	URL          string `toml:"url"`
	Timeout      int    `toml:"timeout_ms"`
	Retries      int    `toml:"retries"`
	BreakAfter   int    `toml:"break_after"`
	BreakSeconds int    `toml:"break_duration"`
}

type MonitoringConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type ConfigFlags struct {
	ConfigFile *string
	Check      *bool
	Version    *bool
	Service    *string
	PidFile    *string
}

func newConfig() Config {
	return Config{
		ListenAddress: "127.0.0.1:8080",
		MaxClients:    250,
		Timeout:       5000,
		LogLevel:      int(dlog.LogLevel()),
		LogMaxSize:    10,
		LogMaxAge:     7,
		LogMaxBackups: 1,
		Cache: CacheConfig{
			MaxThreads:          threadcache.DefaultMaxThreads,
			ItemTTL:             int(threadcache.DefaultItemTTL.Seconds()),
			EmptyMarkerTTL:      int(threadcache.DefaultEmptyMarkerTTL.Seconds()),
			OpTimeout:           int(threadcache.DefaultOpTimeout.Milliseconds()),
			FallbackSize:        threadcache.DefaultFallbackSize,
			MaintenanceInterval: 30,
		},
		Redis: RedisConfig{
			Address:      "127.0.0.1:6379",
			PoolSize:     20,
			DialTimeout:  1000,
			ReadTimeout:  250,
			WriteTimeout: 250,
		},
		Upstream: UpstreamConfig{
			URL:     "http://127.0.0.1:8081",
			Timeout: 3000,
		},
		Profanity: ProfanityConfig{
			Timeout:      2000,
			Retries:      3,
			BreakAfter:   2,
			BreakSeconds: 10,
		},
	}
}

func findConfigFile(configFile *string) (string, error) {
	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		cdLocal()
		if _, err := os.Stat(*configFile); err != nil {
			return "", err
		}
	}
	return *configFile, nil
}

func decodeConfig(configFile string) (Config, error) {
	config := newConfig()
	md, err := toml.DecodeFile(configFile, &config)
	if err != nil {
		return config, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return config, fmt.Errorf("Unsupported key in configuration file: [%s]", undecoded[0])
	}
	return config, nil
}

func ConfigLoad(proxy *Proxy, flags *ConfigFlags) error {
	foundConfigFile, err := findConfigFile(flags.ConfigFile)
	if err != nil {
		return fmt.Errorf("Unable to load the configuration file [%s] -- Maybe use the -config command-line switch?", *flags.ConfigFile)
	}
	config, err := decodeConfig(foundConfigFile)
	if err != nil {
		return err
	}
	proxy.configFile = foundConfigFile

	configureLogging(proxy, flags, &config)
	if err := configureServerParams(proxy, &config); err != nil {
		return err
	}
	configurePidFile(proxy, flags, &config)
	if err := configureCache(proxy, &config); err != nil {
		return err
	}
	configureRedis(proxy, &config)
	if err := configureUpstream(proxy, &config); err != nil {
		return err
	}
	if err := configureProfanity(proxy, &config); err != nil {
		return err
	}
	proxy.monitoring = config.Monitoring
	return nil
}

func checkHTTPURL(what, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("Invalid %s URL [%s]: %w", what, rawURL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || len(parsed.Host) == 0 {
		return errors.New("Unsupported " + what + " URL [" + rawURL + "]: expected http(s)://host[:port]")
	}
	return nil
}

func cdLocal() {
	exeFileName, err := os.Executable()
	if err != nil {
		dlog.Warnf(
			"Unable to determine the executable directory: [%s] -- You will need to specify absolute paths in the configuration file",
			err,
		)
		return
	}
	if err := os.Chdir(filepath.Dir(exeFileName)); err != nil {
		dlog.Warnf("Unable to change working directory: %s", err)
	}
}
