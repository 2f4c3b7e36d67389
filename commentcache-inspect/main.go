package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	flag "github.com/ogier/pflag"

	"github.com/happyheadlines/commentcache/store"
	"github.com/happyheadlines/commentcache/threadcache"
)

var (
	redisConfig store.RedisConfig
	configFile  string
	maxThreads  int
	timeout     time.Duration
	force       bool
)

func init() {
	flag.StringVar(&redisConfig.Address, "redis", "127.0.0.1:6379", "address of the shared store")
	flag.StringVar(&redisConfig.Password, "password", "", "password of the shared store")
	flag.IntVar(&redisConfig.DB, "db", 0, "database number of the shared store")
	flag.StringVar(&configFile, "config", "", "proxy configuration file to read [cache] max_threads from")
	flag.IntVar(&maxThreads, "max-threads", 0, "capacity enforced by the sweep command (overrides --config)")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "overall timeout")
	flag.BoolVar(&force, "force", false, "required by the flush command")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] list | show <article> | invalidate <article> | sweep | flush\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func fail(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(code)
}

func articleArg() int64 {
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	articleID, err := strconv.ParseInt(flag.Arg(1), 10, 64)
	if err != nil || articleID <= 0 {
		fail(1, "invalid article id [%s]", flag.Arg(1))
	}
	return articleID
}

// proxyCacheConfig is the part of the proxy configuration file the sweep needs.
type proxyCacheConfig struct {
	Cache struct {
		MaxThreads int `toml:"max_threads"`
	} `toml:"cache"`
}

// sweepLimit resolves the capacity a sweep enforces. An explicit flag wins, then
// the proxy configuration file, which falls back to the proxy default when it
// leaves max_threads unset.
func sweepLimit(configFile string, flagValue int) (int, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if flagValue < 0 {
		return 0, fmt.Errorf("invalid --max-threads value: %d", flagValue)
	}
	if len(configFile) == 0 {
		return 0, errors.New("the capacity is unknown, use --config or --max-threads")
	}
	var config proxyCacheConfig
	md, err := toml.DecodeFile(configFile, &config)
	if err != nil {
		return 0, err
	}
	if !md.IsDefined("cache", "max_threads") {
		return threadcache.DefaultMaxThreads, nil
	}
	if config.Cache.MaxThreads <= 0 {
		return 0, fmt.Errorf("invalid max_threads value in [%s]: %d", configFile, config.Cache.MaxThreads)
	}
	return config.Cache.MaxThreads, nil
}

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	redisConfig.PoolSize = 2
	redisConfig.DialTimeout = timeout
	redisConfig.ReadTimeout = timeout
	redisConfig.WriteTimeout = timeout
	st := store.NewRedis(redisConfig)
	defer st.Close()

	command := flag.Arg(0)
	limit, limitErr := sweepLimit(configFile, maxThreads)
	if limitErr != nil && command == "sweep" {
		fail(1, "%v", limitErr)
	}
	config := threadcache.DefaultConfig()
	if limitErr == nil {
		config.MaxThreads = limit
	}
	config.OpTimeout = timeout
	engine, err := threadcache.New(st, config)
	if err != nil {
		fail(1, "%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		fail(2, "shared store unreachable: %v", err)
	}

	switch command {
	case "list":
		threads, err := engine.Threads(ctx)
		if err != nil {
			fail(2, "%v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ARTICLE\tCOMMENTS\tLAST READ")
		for _, thread := range threads {
			fmt.Fprintf(w, "%d\t%d\t%s\n", thread.ArticleID, thread.Comments, thread.LastTouch.Local().Format(time.RFC3339))
		}
		w.Flush()
		if limitErr == nil {
			fmt.Printf("%d thread(s), max %d\n", len(threads), limit)
		} else {
			fmt.Printf("%d thread(s)\n", len(threads))
		}
	case "show":
		records, found, err := engine.PeekThread(ctx, articleArg())
		if err != nil {
			fail(2, "%v", err)
		}
		if !found {
			fail(3, "thread not cached")
		}
		encoded, err := threadcache.EncodeThread(records)
		if err != nil {
			fail(2, "%v", err)
		}
		fmt.Println(string(encoded))
	case "invalidate":
		if err := engine.Invalidate(ctx, articleArg()); err != nil {
			fail(2, "%v", err)
		}
	case "sweep":
		evicted, err := engine.Sweep(ctx)
		if err != nil {
			fail(2, "%v", err)
		}
		fmt.Printf("%d thread(s) evicted\n", evicted)
	case "flush":
		if !force {
			fail(1, "flush removes every cached thread, use --force to confirm")
		}
		removed, err := engine.Flush(ctx)
		if err != nil {
			fail(2, "%v", err)
		}
		fmt.Printf("%d thread(s) removed\n", removed)
	default:
		fail(1, "unknown command [%s]", command)
	}
}
