// Package app assembles the long-lived runtime: the state backend, one rate
// limiter and retrier per platform, and the adapter registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/core/store"
	"github.com/relaypoint/relaypoint/internal/core/store/redisstore"
	"github.com/relaypoint/relaypoint/internal/observability"
	"github.com/relaypoint/relaypoint/internal/platform"
)

// App owns everything that lives for the whole process.
type App struct {
	Config   *config.Config
	Backend  store.Backend
	Registry *platform.Registry
	Logger   observability.Logger

	mu       sync.Mutex
	retriers map[core.Platform]*engine.Retrier
	stop     context.CancelFunc
	done     chan struct{}
}

// OpenBackend opens the state backend selected by cfg.Driver. SQL backends
// are migrated before they are returned.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		return redisstore.Open(ctx, cfg.Redis)
	case "", "libsql":
		db, err := store.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// New opens the backend and registers an adapter for every enabled
// platform.
func New(ctx context.Context, cfg *config.Config, logger observability.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	backend, err := OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a, err := NewWithBackend(cfg, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return a, nil
}

// NewWithBackend wires the app around an already opened backend.
func NewWithBackend(cfg *config.Config, backend store.Backend, logger observability.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	a := &App{
		Config:   cfg,
		Backend:  backend,
		Registry: platform.NewRegistry(),
		Logger:   logger,
		retriers: make(map[core.Platform]*engine.Retrier),
	}
	if err := a.registerAdapters(); err != nil {
		return nil, err
	}
	return a, nil
}

// Retrier returns the retrier for p, creating it on first use. Every caller
// for a platform shares one limiter so the per-key lock covers them all.
// Platforms without a built-in or configured policy are rejected with
// core.ErrUnknownPlatform.
func (a *App) Retrier(p core.Platform) (*engine.Retrier, error) {
	if p == "" {
		return nil, errors.New("platform is required")
	}
	if !a.IsKnownPlatform(p) {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownPlatform, string(p))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.retriers[p]; ok {
		return r, nil
	}

	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}

	limiter := engine.NewRateLimiter(p, a.Config.PolicyFor(p), a.Backend)
	limiter.Location = loc
	if a.Config.Retry.BaseBackoff > 0 {
		limiter.BaseBackoff = a.Config.Retry.BaseBackoff
	}
	if a.Config.Retry.MaxBackoff > 0 {
		limiter.MaxBackoff = a.Config.Retry.MaxBackoff
	}
	if a.Config.Limiter.ErrorTTL > 0 {
		limiter.ErrorTTL = a.Config.Limiter.ErrorTTL
	}
	if margin := a.Config.Limiter.SafetyMargin; margin > 0 && margin < 1 {
		limiter.ApplySafetyMargin(margin)
	}

	r := engine.NewRetrier(limiter, a.Backend, a.Logger)
	a.retriers[p] = r
	return r, nil
}

// Limiter returns the limiter for p.
func (a *App) Limiter(p core.Platform) (*engine.RateLimiter, error) {
	r, err := a.Retrier(p)
	if err != nil {
		return nil, err
	}
	return r.Limiter, nil
}

// KnownPlatforms lists built-in platforms plus any configured ones.
func (a *App) KnownPlatforms() []core.Platform {
	seen := map[core.Platform]bool{}
	var platforms []core.Platform
	add := func(p core.Platform) {
		if p != "" && !seen[p] {
			seen[p] = true
			platforms = append(platforms, p)
		}
	}
	for _, p := range core.KnownPlatforms {
		add(p)
	}
	for name := range a.Config.RateLimits {
		add(core.ParsePlatform(name))
	}
	for name := range a.Config.Platforms {
		add(core.ParsePlatform(name))
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// IsKnownPlatform reports whether p has a built-in or configured policy.
func (a *App) IsKnownPlatform(p core.Platform) bool {
	for _, known := range a.KnownPlatforms() {
		if known == p {
			return true
		}
	}
	return false
}

func (a *App) registerAdapters() error {
	names := make([]string, 0, len(a.Config.Platforms))
	for name := range a.Config.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := a.Config.Platforms[name]
		if !pc.Enabled {
			continue
		}
		p := core.ParsePlatform(name)
		if p == core.PlatformTelegram {
			return errors.New("telegram is configured under telegram, not platforms")
		}
		r, err := a.Retrier(p)
		if err != nil {
			return err
		}
		adapter, err := platform.NewRESTAdapter(r, pc.BaseURL, pc.Timeout, a.Logger)
		if err != nil {
			return err
		}
		if err := a.Registry.Register(adapter); err != nil {
			return err
		}
		a.Logger.Debug("Registered platform adapter",
			zap.String("platform", string(p)),
			zap.String("base_url", adapter.BaseURL))
	}

	if a.Config.Telegram.Enabled {
		r, err := a.Retrier(core.PlatformTelegram)
		if err != nil {
			return err
		}
		adapter, err := platform.NewTelegramAdapter(r, a.Config.Telegram.APIURL, a.Config.Telegram.Timeout, a.Logger)
		if err != nil {
			return err
		}
		if err := a.Registry.Register(adapter); err != nil {
			return err
		}
		a.Logger.Debug("Registered platform adapter", zap.String("platform", string(core.PlatformTelegram)))
	}
	return nil
}

type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StartJanitor purges expired limiter rows every interval until Close.
// Backends that expire keys themselves are skipped.
func (a *App) StartJanitor(ctx context.Context, interval time.Duration) bool {
	p, ok := a.Backend.(purger)
	if !ok || interval <= 0 {
		return false
	}

	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return true
	}
	ctx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := p.PurgeExpired(ctx)
				if err != nil {
					a.Logger.Warn("Failed to purge expired limiter state", zap.Error(err))
					continue
				}
				if purged > 0 {
					a.Logger.Debug("Purged expired limiter state", zap.Int64("rows", purged))
				}
			}
		}
	}()
	return true
}

// Close stops background work and closes the backend.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if a.Backend == nil {
		return nil
	}
	return a.Backend.Close()
}
