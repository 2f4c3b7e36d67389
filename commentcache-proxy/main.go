package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/jedisct1/dlog"
	"github.com/kardianos/service"
)

const (
	AppVersion            = "1.0.0"
	DefaultConfigFileName = "commentcache-proxy.toml"
)

type App struct {
	wg    sync.WaitGroup
	quit  chan struct{}
	proxy *Proxy
	flags *ConfigFlags
}

func main() {
	dlog.Init("commentcache-proxy", dlog.SeverityNotice, "DAEMON")

	svcConfig := &service.Config{
		Name:        "commentcache-proxy",
		DisplayName: "Comment thread cache proxy",
		Description: "Caching HTTP front for the comment service",
	}
	flags := ConfigFlags{
		ConfigFile: flag.String("config", DefaultConfigFileName, "Path to the configuration file"),
		Check:      flag.Bool("check", false, "check the configuration file and exit"),
		Version:    flag.Bool("version", false, "print current proxy version"),
		Service:    flag.String("service", "", fmt.Sprintf("Control the system service: %q", service.ControlAction)),
		PidFile:    flag.String("pidfile", "", "Store the PID into a file (overrides pid_file)"),
	}
	flag.Parse()

	if *flags.Version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}

	app := &App{flags: &flags}
	svc, err := service.New(app, svcConfig)
	if err != nil {
		svc = nil
		dlog.Debug(err)
	}

	app.proxy = NewProxy()
	if err := ConfigLoad(app.proxy, &flags); err != nil {
		dlog.Fatal(err)
	}
	if *flags.Check {
		dlog.Notice("Configuration successfully checked")
		os.Exit(0)
	}

	if len(*flags.Service) != 0 {
		if svc == nil {
			dlog.Fatal("Built-in service installation is not supported on this platform")
		}
		if err := service.Control(svc, *flags.Service); err != nil {
			dlog.Fatal(err)
		}
		switch *flags.Service {
		case "install":
			dlog.Notice("Installed as a service. Use `-service start` to start")
		case "uninstall":
			dlog.Notice("Service uninstalled")
		case "start":
			dlog.Notice("Service started")
		case "stop":
			dlog.Notice("Service stopped")
		case "restart":
			dlog.Notice("Service restarted")
		}
		return
	}
	if svc != nil {
		if err := svc.Run(); err != nil {
			dlog.Fatal(err)
		}
	} else {
		app.Start(nil)
	}
}

func (app *App) Start(service service.Service) error {
	if err := ServiceManagerStartNotify(); err != nil {
		dlog.Debug(err)
	}
	app.quit = make(chan struct{})
	app.wg.Add(1)
	if service != nil {
		go func() {
			app.AppMain()
		}()
	} else {
		app.AppMain()
	}
	return nil
}

func (app *App) AppMain() {
	if err := app.proxy.StartProxy(); err != nil {
		dlog.Fatal(err)
	}
	if err := app.proxy.InitHotReload(); err != nil {
		dlog.Errorf("Unable to set up configuration reloading: [%v]", err)
	}
	<-app.quit
	dlog.Notice("Quit signal received...")
	app.wg.Done()
}

func (app *App) Stop(service service.Service) error {
	if err := app.proxy.StopProxy(); err != nil {
		dlog.Warnf("Proxy shutdown: %v", err)
	}
	if app.quit != nil {
		close(app.quit)
		app.wg.Wait()
	}
	dlog.Notice("Stopped.")
	return nil
}
