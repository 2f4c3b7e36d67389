package main

import (
	"time"

	"github.com/jedisct1/dlog"
)

// InitHotReload reloads the configuration on SIGHUP and, when enabled, whenever the
// configuration file changes. Only the log level and the [cache] limits are applied
// without a restart.
func (proxy *Proxy) InitHotReload() error {
	if HasSIGHUP {
		setupSignalHandler(proxy)
	}
	if !proxy.enableHotReload {
		dlog.Notice("Hot reload is disabled")
		return nil
	}
	dlog.Notice("Hot reload is enabled")
	proxy.watcher = NewConfigWatcher(time.Second)
	return proxy.watcher.Watch(proxy.configFile, proxy.reloadConfig)
}
