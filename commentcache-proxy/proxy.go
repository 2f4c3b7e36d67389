package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dchest/safefile"
	"github.com/jedisct1/dlog"
	"golang.org/x/net/netutil"

	"github.com/happyheadlines/commentcache/cacheaside"
	"github.com/happyheadlines/commentcache/store"
	"github.com/happyheadlines/commentcache/threadcache"
)

type Proxy struct {
	listenAddress       string
	maxClients          uint32
	timeout             time.Duration
	accessLogFile       string
	logMaxSize          int
	logMaxAge           int
	logMaxBackups       int
	enableHotReload     bool
	configFile          string
	pidFile             string
	cacheConfig         threadcache.Config
	maintenanceInterval time.Duration
	redisConfig         store.RedisConfig
	upstreamURL         string
	upstreamTimeout     time.Duration
	profanity           ProfanityClientConfig
	monitoring          MonitoringConfig

	store      store.Store
	latency    *store.LatencyEstimator
	metrics    *PrometheusMetrics
	engine     *threadcache.Engine
	service    *cacheaside.Service
	upstream   *UpstreamClient
	accessLog  *AccessLog
	httpServer *http.Server
	watcher    *ConfigWatcher
	quit       chan struct{}
}

func NewProxy() *Proxy {
	return &Proxy{
		cacheConfig:         threadcache.DefaultConfig(),
		maintenanceInterval: 30 * time.Second,
		timeout:             5 * time.Second,
		maxClients:          250,
		quit:                make(chan struct{}),
	}
}

// initCache builds the cache stack on top of st: metrics, engine, upstream
// persistence and the cache-aside service.
func (proxy *Proxy) initCache(st store.Store) error {
	proxy.store = st
	if redis, ok := st.(*store.Redis); ok {
		proxy.latency = redis.Latency()
	}
	proxy.metrics = NewPrometheusMetrics(proxy.latency)
	engine, err := threadcache.New(st, proxy.cacheConfig, threadcache.WithMetrics(proxy.metrics))
	if err != nil {
		return err
	}
	proxy.engine = engine
	upstream, err := NewUpstreamClient(proxy.upstreamURL, proxy.upstreamTimeout)
	if err != nil {
		return err
	}
	proxy.upstream = upstream
	var options []cacheaside.Option
	if len(proxy.profanity.URL) > 0 {
		options = append(options, cacheaside.WithContentFilter(NewProfanityClient(proxy.profanity)))
	}
	proxy.service = cacheaside.New(engine, upstream, options...)
	return nil
}

func (proxy *Proxy) StartProxy() error {
	if len(proxy.accessLogFile) > 0 {
		out, err := openLogWriter(proxy.accessLogFile, proxy.logMaxSize, proxy.logMaxAge, proxy.logMaxBackups)
		if err != nil {
			return err
		}
		proxy.accessLog = NewAccessLog(out)
	}
	if err := proxy.initCache(store.NewRedis(proxy.redisConfig)); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), proxy.timeout)
	if err := proxy.store.Ping(ctx); err != nil {
		dlog.Warnf("Shared store not reachable yet, serving from the comment service: %v", err)
	}
	stats, _ := proxy.engine.Stats(ctx)
	cancel()

	listener, err := net.Listen("tcp", proxy.listenAddress)
	if err != nil {
		return err
	}
	listener = netutil.LimitListener(listener, int(proxy.maxClients))
	proxy.httpServer = &http.Server{
		Handler:           proxy.handler(),
		ReadHeaderTimeout: proxy.timeout,
		ReadTimeout:       proxy.timeout,
		WriteTimeout:      2 * proxy.timeout,
		IdleTimeout:       60 * time.Second,
	}
	dlog.Noticef("Now listening to %v [HTTP]", listener.Addr())
	go func() {
		if err := proxy.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			dlog.Errorf("HTTP server error: %v", err)
		}
	}()

	go proxy.maintenance()

	dlog.Noticef("commentcache-proxy is ready - %d cached thread(s), max %d", stats.Threads, proxy.engine.Limits().MaxThreads)
	ServiceManagerReadyNotify(stats.Threads)
	if err := proxy.writePidFile(); err != nil {
		dlog.Errorf("Unable to create the PID file: [%v]", err)
	}
	return nil
}

func (proxy *Proxy) StopProxy() error {
	ServiceManagerStoppingNotify()
	select {
	case <-proxy.quit:
	default:
		close(proxy.quit)
	}
	if proxy.watcher != nil {
		proxy.watcher.Shutdown()
	}
	var err error
	if proxy.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*proxy.timeout)
		err = proxy.httpServer.Shutdown(ctx)
		cancel()
	}
	if proxy.upstream != nil {
		proxy.upstream.Close()
	}
	if proxy.store != nil {
		if closeErr := proxy.store.Close(); err == nil {
			err = closeErr
		}
	}
	if pidErr := proxy.removePidFile(); pidErr != nil {
		dlog.Warnf("Failed to remove the PID file: [%v]", pidErr)
	}
	return err
}

// writePidFile records the process id once the proxy serves requests.
func (proxy *Proxy) writePidFile() error {
	if len(proxy.pidFile) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(proxy.pidFile), 0o755); err != nil {
		return err
	}
	return safefile.WriteFile(proxy.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (proxy *Proxy) removePidFile() error {
	if len(proxy.pidFile) == 0 {
		return nil
	}
	if err := os.Remove(proxy.pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
