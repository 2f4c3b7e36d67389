package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/happyheadlines/commentcache/store"
	"github.com/happyheadlines/commentcache/threadcache"
)

// configureLogging - Configure logging based on the configuration
func configureLogging(proxy *Proxy, flags *ConfigFlags, config *Config) {
	if config.LogLevel >= 0 && config.LogLevel < int(dlog.SeverityLast) {
		dlog.SetLogLevel(dlog.Severity(config.LogLevel))
	}
	if flags.Check != nil && *flags.Check {
		// Don't configure additional logging for command mode
		return
	}
	if config.UseSyslog {
		dlog.UseSyslog(true)
	} else if config.LogFile != nil {
		dlog.UseLogFile(*config.LogFile)
	}
	proxy.accessLogFile = config.AccessLog.File
	proxy.logMaxSize = config.LogMaxSize
	proxy.logMaxAge = config.LogMaxAge
	proxy.logMaxBackups = config.LogMaxBackups
	dlog.Noticef("commentcache-proxy %s", AppVersion)
}

// configureServerParams - Configures the HTTP front
func configureServerParams(proxy *Proxy, config *Config) error {
	if len(config.ListenAddress) == 0 {
		return errors.New("No listen address configured")
	}
	if config.MaxClients == 0 {
		return errors.New("max_clients must be positive")
	}
	if config.Timeout <= 0 {
		return fmt.Errorf("Invalid timeout_ms value: %d", config.Timeout)
	}
	proxy.listenAddress = config.ListenAddress
	proxy.maxClients = config.MaxClients
	proxy.timeout = time.Duration(config.Timeout) * time.Millisecond
	proxy.enableHotReload = config.EnableHotReload
	return nil
}

// configurePidFile - The -pidfile switch takes precedence over pid_file
func configurePidFile(proxy *Proxy, flags *ConfigFlags, config *Config) {
	proxy.pidFile = config.PidFile
	if flags.PidFile != nil && len(*flags.PidFile) > 0 {
		proxy.pidFile = *flags.PidFile
	}
}

// cacheLimits - Converts the [cache] section into engine limits
func cacheLimits(config *CacheConfig) threadcache.Limits {
	return threadcache.Limits{
		MaxThreads:     config.MaxThreads,
		ItemTTL:        time.Duration(config.ItemTTL) * time.Second,
		EmptyMarkerTTL: time.Duration(config.EmptyMarkerTTL) * time.Second,
	}
}

// configureCache - Configures the thread cache engine
func configureCache(proxy *Proxy, config *Config) error {
	cacheConfig := threadcache.Config{
		Limits:       cacheLimits(&config.Cache),
		OpTimeout:    time.Duration(config.Cache.OpTimeout) * time.Millisecond,
		FallbackSize: config.Cache.FallbackSize,
	}
	if err := cacheConfig.Validate(); err != nil {
		return fmt.Errorf("Invalid [cache] section: %w", err)
	}
	if config.Cache.MaintenanceInterval <= 0 {
		return fmt.Errorf("Invalid [cache] section: maintenance_interval must be positive, got %d", config.Cache.MaintenanceInterval)
	}
	proxy.cacheConfig = cacheConfig
	proxy.maintenanceInterval = time.Duration(config.Cache.MaintenanceInterval) * time.Second
	return nil
}

// configureRedis - Configures the shared store
func configureRedis(proxy *Proxy, config *Config) {
	proxy.redisConfig = store.RedisConfig{
		Address:      config.Redis.Address,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		DialTimeout:  time.Duration(config.Redis.DialTimeout) * time.Millisecond,
		ReadTimeout:  time.Duration(config.Redis.ReadTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(config.Redis.WriteTimeout) * time.Millisecond,
	}
}

// configureUpstream - Configures the comment service the proxy fronts
func configureUpstream(proxy *Proxy, config *Config) error {
	if err := checkHTTPURL("upstream", config.Upstream.URL); err != nil {
		return err
	}
	if config.Upstream.Timeout <= 0 {
		return fmt.Errorf("Invalid [upstream] timeout_ms value: %d", config.Upstream.Timeout)
	}
	proxy.upstreamURL = config.Upstream.URL
	proxy.upstreamTimeout = time.Duration(config.Upstream.Timeout) * time.Millisecond
	return nil
}

// configureProfanity - Configures the optional content filter
func configureProfanity(proxy *Proxy, config *Config) error {
	if len(config.Profanity.URL) == 0 {
		dlog.Notice("Content filter disabled")
		return nil
	}
	if err := checkHTTPURL("profanity", config.Profanity.URL); err != nil {
		return err
	}
	if config.Profanity.Timeout <= 0 || config.Profanity.Retries < 0 || config.Profanity.BreakAfter < 0 {
		return errors.New("Invalid [profanity] section")
	}
	proxy.profanity = ProfanityClientConfig{
		URL:           config.Profanity.URL,
		Timeout:       time.Duration(config.Profanity.Timeout) * time.Millisecond,
		Retries:       config.Profanity.Retries,
		BreakAfter:    config.Profanity.BreakAfter,
		BreakDuration: time.Duration(config.Profanity.BreakSeconds) * time.Second,
	}
	return nil
}

// reloadConfig - Applies the parts of the configuration that can change at runtime:
// the log level and the [cache] limits
func (proxy *Proxy) reloadConfig() error {
	config, err := decodeConfig(proxy.configFile)
	if err != nil {
		return err
	}
	if config.LogLevel >= 0 && config.LogLevel < int(dlog.SeverityLast) {
		dlog.SetLogLevel(dlog.Severity(config.LogLevel))
	}
	if proxy.engine == nil {
		return nil
	}
	if err := proxy.engine.SetLimits(cacheLimits(&config.Cache)); err != nil {
		return fmt.Errorf("Invalid [cache] section: %w", err)
	}
	return nil
}
