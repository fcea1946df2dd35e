package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relayboard/internal/boardstore"
	"github.com/agentworkforce/relayboard/internal/boardsync"
	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/agentworkforce/relayboard/internal/httpapi"
	"github.com/agentworkforce/relayboard/internal/logging"
	"github.com/agentworkforce/relayboard/internal/persist"
	"github.com/agentworkforce/relayboard/internal/recovery"
	"github.com/agentworkforce/relayboard/internal/state"
	"github.com/rs/zerolog"
)

const tokenSubject = "relayboard-sync"

var syncScopes = []string{httpapi.ScopeBoardsRead, httpapi.ScopeBoardsWrite, httpapi.ScopeSchemaWrite}

type syncOptions struct {
	File           string
	StateFile      string
	BaseURL        string
	Token          string
	StoreDSN       string
	Debounce       time.Duration
	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration
	Once           bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Path:    cfg.Log.Path,
		Service: "relayboard-sync",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	var opts syncOptions
	flag.StringVar(&opts.File, "file", cfg.Sync.File, "board JSON file to mirror")
	flag.StringVar(&opts.StateFile, "state-file", cfg.Sync.StateFile, "state file path")
	flag.StringVar(&opts.BaseURL, "base-url", cfg.Sync.BaseURL, "relayboard base URL")
	flag.StringVar(&opts.Token, "token", cfg.Sync.Token, "bearer token")
	flag.StringVar(&opts.StoreDSN, "store-dsn", envOrDefault("RELAYBOARD_SYNC_STORE_DSN", ""), "save straight to a store DSN instead of the server")
	flag.DurationVar(&opts.Debounce, "debounce", cfg.Sync.Debounce, "quiet period after a write before syncing")
	flag.DurationVar(&opts.Interval, "interval", durationEnv(logger, "RELAYBOARD_SYNC_INTERVAL", 30*time.Second), "resync interval")
	flag.Float64Var(&opts.IntervalJitter, "interval-jitter", ratioEnv(logger, "RELAYBOARD_SYNC_INTERVAL_JITTER", 0.2), "resync interval jitter ratio (0.0-1.0)")
	flag.DurationVar(&opts.Timeout, "timeout", cfg.Save.Timeout, "per-save timeout (RELAYBOARD_SAVE_TIMEOUT)")
	flag.BoolVar(&opts.Once, "once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(opts.File) == "" {
		logger.Fatal().Msg("file is required (--file or RELAYBOARD_SYNC_FILE)")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, cfg, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("board sync failed")
	}
}

func run(ctx context.Context, cfg config.Config, opts syncOptions, logger zerolog.Logger) error {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	opts.Timeout = saveTimeout(cfg, opts)

	client, renewer, err := openStore(cfg, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	svc := recovery.New(recovery.Options{
		MaxRetries: cfg.Recovery.MaxRetries,
		BaseDelay:  cfg.Recovery.BaseDelay,
		MaxDelay:   cfg.Recovery.MaxDelay,
		Schema:     client,
		Renewer:    renewer,
		Notifier: recovery.NotifierFunc(func(message string, level recovery.Severity) {
			logger.Warn().Str("severity", string(level)).Msg(message)
		}),
		Logger: logger,
	})
	store := state.New(state.Options{})
	scheduler, err := persist.New(persist.Options{
		Store:    store,
		Client:   client,
		Recovery: svc,
		Indicator: persist.IndicatorFuncs{
			Saved: func() { logger.Debug().Msg("board saved") },
			Error: func(err error) { logger.Error().Err(err).Msg("board save failed") },
		},
		Logger:        logger,
		DebounceDelay: cfg.Save.DebounceDelay,
		ScrollBuffer:  cfg.Save.ScrollBuffer,
		SaveTimeout:   opts.Timeout,
	})
	if err != nil {
		return err
	}
	defer drainScheduler(scheduler, opts.Timeout, logger)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	resync := newResyncSchedule(opts.Interval, opts.IntervalJitter, rng.Float64)
	mirror, err := boardsync.NewMirror(boardsync.Options{
		Path:      opts.File,
		StateFile: opts.StateFile,
		Store:     store,
		Saver:     scheduler,
		Debounce:  opts.Debounce,
		Resync:    resync.next,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if opts.Once {
		cycleCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		result, err := mirror.SyncOnce(cycleCtx)
		if err != nil {
			return err
		}
		logger.Info().
			Bool("changed", result.Changed).
			Int("assigned", result.AssignedIDs).
			Str("remoteId", result.RemoteID).
			Msg("board sync cycle completed")
		return nil
	}
	return mirror.Run(ctx)
}

// saveTimeout bounds each save and each --once cycle. The flag wins over
// RELAYBOARD_SAVE_TIMEOUT.
func saveTimeout(cfg config.Config, opts syncOptions) time.Duration {
	switch {
	case opts.Timeout > 0:
		return opts.Timeout
	case cfg.Save.Timeout > 0:
		return cfg.Save.Timeout
	default:
		return 15 * time.Second
	}
}

// drainScheduler fires any gesture save still waiting out its debounce, then
// closes the scheduler.
func drainScheduler(scheduler *persist.Scheduler, timeout time.Duration, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := scheduler.Flush(ctx); err != nil && !errors.Is(err, persist.ErrNoCurrentBoard) {
		logger.Warn().Err(err).Msg("final board save failed")
	}
	scheduler.Close()
}

// openStore returns the client saves go through and, for the HTTP client,
// the renewer recovery uses on permission errors.
func openStore(cfg config.Config, opts syncOptions) (boardstore.Client, recovery.Renewer, error) {
	if dsn := strings.TrimSpace(opts.StoreDSN); dsn != "" {
		client, err := boardstore.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	}

	token := strings.TrimSpace(opts.Token)
	var renew func(ctx context.Context) (string, error)
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		renew = func(context.Context) (string, error) {
			return httpapi.IssueToken(secret, tokenSubject, syncScopes, time.Now().Add(time.Hour))
		}
		if token == "" {
			minted, err := renew(context.Background())
			if err != nil {
				return nil, nil, err
			}
			token = minted
		}
	}
	if token == "" {
		return nil, nil, errors.New("token is required (--token, RELAYBOARD_TOKEN or RELAYBOARD_JWT_SECRET)")
	}
	client := boardstore.NewHTTPClient(opts.BaseURL, boardstore.HTTPClientOptions{
		Token:      token,
		Renew:      renew,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
	})
	return client, client, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

// ratioEnv reads a ratio in [0, 1]; out-of-range values are pinned to the
// nearest bound.
func ratioEnv(logger zerolog.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid ratio, using fallback")
		return fallback
	}
	if pinned := unitClamp(value); pinned != value {
		logger.Warn().Str("name", name).Float64("value", value).Float64("using", pinned).Msg("ratio out of range")
		return pinned
	}
	return value
}

func unitClamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// resyncSchedule spreads mirror resyncs uniformly over
// [interval*(1-spread), interval*(1+spread)] so several mirrors pointed at
// one server drift apart.
type resyncSchedule struct {
	interval time.Duration
	spread   float64
	sample   func() float64
}

func newResyncSchedule(interval time.Duration, spread float64, sample func() float64) *resyncSchedule {
	return &resyncSchedule{interval: interval, spread: unitClamp(spread), sample: sample}
}

func (r *resyncSchedule) next() time.Duration {
	if r.interval <= 0 || r.spread == 0 || r.sample == nil {
		return r.interval
	}
	offset := (2*unitClamp(r.sample()) - 1) * r.spread
	return max(time.Duration(float64(r.interval)*(1+offset)), time.Millisecond)
}
