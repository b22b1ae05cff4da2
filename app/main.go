package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/joho/godotenv"
	"github.com/umputun/go-flags"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/imggen/app/backend"
	"github.com/umputun/imggen/app/store"
	"github.com/umputun/imggen/app/sweeper"
	"github.com/umputun/imggen/app/tracker"
	"github.com/umputun/imggen/app/web"
)

var opts struct {
	Address string `long:"address" env:"ADDRESS" default:"0.0.0.0" description:"listen address"`
	Port    int    `long:"port" env:"PORT" default:"8000" description:"listen port"`
	DataDir string `long:"data" env:"DATA_DIR" default:"data" description:"data directory with database and generated images"`
	HFToken string `long:"hf-token" env:"HUGGINGFACE_API_KEY" description:"hugging face api token, no generation without it"`
	Dbg     bool   `long:"dbg" env:"DEBUG" description:"debug mode"`

	Backend struct {
		Model   string        `long:"model" env:"MODEL" default:"black-forest-labs/FLUX.1-dev" description:"text-to-image model"`
		URL     string        `long:"url" env:"URL" default:"https://router.huggingface.co/hf-inference/models" description:"inference api base url"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"5m" description:"timeout of a single generation call"`
	} `group:"backend" namespace:"backend" env-namespace:"IMGGEN_BACKEND"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to call backend for a job"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"IMGGEN_REPEATER"`

	Gen struct {
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"0s" description:"report gens without image after this time as failed, 0 to keep them pending"`
		FailedGrace  time.Duration `long:"failed-grace" env:"FAILED_GRACE" default:"30s" description:"time before failed gen is final"`
		Concurrency  int           `long:"concurrency" env:"CONCURRENCY" default:"0" description:"max concurrent generations, 0 for unlimited"`
		ListLimit    int           `long:"list-limit" env:"LIST_LIMIT" default:"10" description:"number of gens on the main page"`
		PollInterval time.Duration `long:"poll" env:"POLL" default:"2s" description:"polling interval of pending gens in UI"`
	} `group:"gen" namespace:"gen" env-namespace:"IMGGEN_GEN"`

	Web struct {
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash for basic auth, user imggen"`
		RateLimit    float64 `long:"rate-limit" env:"RATE_LIMIT" default:"1" description:"max submits per second per client, 0 to disable"`
		Hostname     string  `long:"hostname" env:"HOSTNAME" description:"hostname to display in UI"`
	} `group:"web" namespace:"web" env-namespace:"IMGGEN_WEB"`

	Sweep struct {
		Enabled  bool          `long:"enabled" env:"ENABLED" description:"remove stale temp files of interrupted gens"`
		Schedule string        `long:"schedule" env:"SCHEDULE" default:"@every 10m" description:"sweep schedule, cron spec"`
		MaxAge   time.Duration `long:"max-age" env:"MAX_AGE" default:"1h" description:"min age of temp file to remove"`
	} `group:"sweep" namespace:"sweep" env-namespace:"IMGGEN_SWEEP"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"logs/imggen.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of backups"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"30" description:"max age of backups in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated logs"`
	} `group:"log" namespace:"log" env-namespace:"IMGGEN_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("imggen %s\n", revision)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("failed to load .env: %v\n", err)
	}
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run wires store, backend, tracker, sweeper and web server, blocks until ctx is done
func run(ctx context.Context) error {
	st, err := store.NewSQLiteStore(filepath.Join(opts.DataDir, "gens.db"), filepath.Join(opts.DataDir, "gens"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	resolver := tracker.NewResolver(opts.Gen.Timeout)
	observer := tracker.NewObserver(resolver)
	observer.FailedGrace = opts.Gen.FailedGrace
	observer.Interval = opts.Gen.PollInterval

	dispatcher := tracker.NewDispatcher(ctx, tracker.DispatcherParams{
		Store:       st,
		Worker:      &tracker.Worker{Backend: makeBackend()},
		Concurrency: opts.Gen.Concurrency,
	})

	srv, err := web.New(web.Config{
		Dispatcher:   dispatcher,
		Store:        st,
		Observer:     observer,
		Hostname:     makeHostName(),
		Version:      revision,
		PasswordHash: opts.Web.PasswordHash,
		ListLimit:    opts.Gen.ListLimit,
		PollInterval: opts.Gen.PollInterval,
		RateLimit:    opts.Web.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to make web server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, fmt.Sprintf("%s:%d", opts.Address, opts.Port)) })
	if opts.Sweep.Enabled {
		swp := &sweeper.Sweeper{Dir: st.GensDir(), Suffix: tracker.TempSuffix, MaxAge: opts.Sweep.MaxAge,
			Schedule: opts.Sweep.Schedule}
		g.Go(func() error {
			if err := swp.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	log.Printf("[INFO] waiting for %d active gens", dispatcher.Inflight())
	dispatcher.Wait()
	log.Printf("[INFO] imggen stopped")
	return err
}

// makeBackend returns generator for configured backend, nil if token is not set
func makeBackend() backend.Generator {
	if opts.HFToken == "" {
		log.Printf("[WARN] no backend token (HUGGINGFACE_API_KEY), generation disabled")
		return nil
	}

	hf := backend.NewHuggingFace(backend.HuggingFaceParams{
		BaseURL: opts.Backend.URL,
		Model:   opts.Backend.Model,
		Token:   opts.HFToken,
		Timeout: opts.Backend.Timeout,
	})
	log.Printf("[INFO] backend %s/%s, attempts %d", opts.Backend.URL, opts.Backend.Model, opts.Repeater.Attempts)
	if opts.Repeater.Attempts <= 1 {
		return hf
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
	return &backend.Retrying{Generator: hf, Repeater: rptr}
}

func makeHostName() string {
	if opts.Web.Hostname != "" {
		return opts.Web.Hostname
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures logger and returns writer it logs to
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, shutting down", sig)
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
