//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/jedisct1/dlog"
	"golang.org/x/sys/unix"
)

const HasSIGHUP = true

// setupSignalHandler reloads the configuration on SIGHUP and runs a maintenance pass
// on SIGUSR1.
func setupSignalHandler(proxy *Proxy) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGHUP, unix.SIGUSR1)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-proxy.quit:
				return
			case sig := <-sigChan:
				switch sig {
				case unix.SIGHUP:
					dlog.Notice("Received SIGHUP signal, reloading configuration")
					if err := proxy.reloadConfig(); err != nil {
						dlog.Errorf("Failed to reload [%s]: %v", proxy.configFile, err)
					}
				case unix.SIGUSR1:
					dlog.Notice("Received SIGUSR1 signal, running maintenance")
					ctx, cancel := context.WithTimeout(context.Background(), proxy.maintenanceInterval)
					proxy.maintain(ctx)
					cancel()
				}
			}
		}
	}()
}
