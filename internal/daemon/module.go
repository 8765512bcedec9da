// Package daemon composes the vkgrabd components into an fx application.
package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/dmarkelov/vkgrab/internal/bus"
	"github.com/dmarkelov/vkgrab/internal/chats"
	"github.com/dmarkelov/vkgrab/internal/collector"
	"github.com/dmarkelov/vkgrab/internal/config"
	"github.com/dmarkelov/vkgrab/internal/dispatch"
	"github.com/dmarkelov/vkgrab/internal/health"
	"github.com/dmarkelov/vkgrab/internal/integrity"
	"github.com/dmarkelov/vkgrab/internal/lock"
	"github.com/dmarkelov/vkgrab/internal/logging"
	"github.com/dmarkelov/vkgrab/internal/profile"
	"github.com/dmarkelov/vkgrab/internal/retry"
	"github.com/dmarkelov/vkgrab/internal/status"
	"github.com/dmarkelov/vkgrab/internal/users"
	"github.com/dmarkelov/vkgrab/internal/vk"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideClient,
			provideBuffer,
			provideRetryer,
			provideResolver,
			provideChatManager,
			provideScanner,
			provideDispatcher,
			provideCollector,
			provideHealthServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := profile.ConfigPath(p.Profile)
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		if saveErr := config.Save(path, config.Default()); saveErr != nil {
			return nil, saveErr
		}
		return nil, fmt.Errorf("created %s, set the access token and restart", path)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("no access token in %s", path)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideClient(cfg *config.Config) *vk.Client {
	return vk.NewClient(cfg.Token, cfg.APIVersion)
}

func provideBuffer(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *retry.Buffer {
	return retry.NewBuffer(
		cfg.Retry.BufferCapacity,
		cfg.Retry.MaxAttempts,
		cfg.Retry.FlushInterval.Std(),
		b, nil, logger)
}

func provideRetryer(cfg *config.Config, buffer *retry.Buffer, logger *zap.Logger) *retry.Retryer {
	backoff := retry.NewBackoff(
		cfg.Retry.BaseDelay.Std(),
		cfg.Retry.MaxDelay.Std(),
		cfg.Retry.Multiplier)
	return retry.NewRetryer(cfg.Retry.MaxAttempts, backoff, buffer, nil, logger)
}

func provideResolver(p Params, cfg *config.Config, client *vk.Client, b *bus.Bus, logger *zap.Logger) *users.Resolver {
	return users.NewResolver(client, users.Options{
		BatchSize:     cfg.Users.BatchSize,
		BatchDelay:    cfg.Users.BatchDelay.Std(),
		MaxSize:       cfg.Users.MaxCacheSize,
		TTL:           users.FromTTL(cfg.Users.TTL.Std()),
		FlushInterval: cfg.Users.FlushInterval.Std(),
		Path:          profile.UserCachePath(p.Profile),
	}, b, nil, logger)
}

func provideChatManager(p Params, cfg *config.Config, resolver *users.Resolver, client *vk.Client, retryer *retry.Retryer, b *bus.Bus, logger *zap.Logger) *chats.Manager {
	return chats.NewManager(chats.Options{
		Dir:                       profile.ChatsDir(p.Profile),
		MaxCachedChats:            cfg.Chats.MaxCachedChats,
		BackupsEnabled:            cfg.Chats.BackupsEnabled,
		MaxBackups:                cfg.Chats.MaxBackups,
		AutoSaveInterval:          cfg.Chats.AutoSaveInterval.Std(),
		MembershipRefreshInterval: cfg.Chats.MembershipRefreshInterval.Std(),
	}, resolver, client, retryer, b, nil, logger)
}

func provideScanner(p Params, cfg *config.Config, manager *chats.Manager, b *bus.Bus, logger *zap.Logger) (*integrity.Scanner, error) {
	if !cfg.Integrity.Enabled {
		return integrity.NewScanner(nil, manager.CachedPayload, b, logger), nil
	}
	manifest, err := integrity.LoadManifest(profile.ChecksumManifestPath(p.Profile))
	if err != nil {
		return nil, fmt.Errorf("load checksum manifest: %w", err)
	}
	return integrity.NewScanner(manifest, manager.CachedPayload, b, logger), nil
}

func provideDispatcher(cfg *config.Config, retryer *retry.Retryer, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(cfg.Dispatch.HandlerTimeout.Std(), retryer, logger)
}

func provideCollector(p Params, cfg *config.Config, client *vk.Client, dispatcher *dispatch.Dispatcher, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *collector.Collector {
	return collector.New(collector.Options{
		WaitSeconds:          cfg.Poll.WaitSeconds,
		Mode:                 cfg.Poll.Mode,
		MaxReconnectAttempts: cfg.Poll.MaxReconnectAttempts,
		HealthCheckInterval:  cfg.Poll.HealthCheckInterval.Std(),
		StaleAfterChecks:     cfg.Poll.StaleAfterChecks,
		StatePath:            profile.StatePath(p.Profile),
		Backoff: retry.NewBackoff(
			cfg.Retry.BaseDelay.Std(),
			cfg.Retry.MaxDelay.Std(),
			cfg.Retry.Multiplier),
		Reauth: reloadToken(p.Profile, cfg.Token, client),
	}, client, dispatcher, machine, b, nil, logger)
}

// reloadToken re-reads the profile's config file and swaps a rotated
// access token into the client. Editing the token in place is the only
// refresh the platform offers for user tokens; an unchanged token is an
// error so the collector backs off instead of hammering the API.
func reloadToken(prof, bootToken string, client *vk.Client) func(context.Context) error {
	last := bootToken
	return func(context.Context) error {
		path := profile.ConfigPath(prof)
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cfg.Token == "" || cfg.Token == last {
			return fmt.Errorf("access token in %s not rotated", path)
		}
		last = cfg.Token
		client.SetToken(cfg.Token)
		return nil
	}
}

func provideHealthServer(cfg *config.Config, logger *zap.Logger) *health.Server {
	if !cfg.Health.Enabled {
		return nil
	}
	return health.NewServer(cfg.Health.Addr, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	p Params,
	cfg *config.Config,
	lk *lock.Lock,
	b *bus.Bus,
	machine *status.Machine,
	client *vk.Client,
	buffer *retry.Buffer,
	resolver *users.Resolver,
	manager *chats.Manager,
	scanner *integrity.Scanner,
	dispatcher *dispatch.Dispatcher,
	col *collector.Collector,
	healthSrv *health.Server,
	logger *zap.Logger,
) {
	var metricsCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if cfg.Integrity.Enabled {
				results := scanner.ScanAndRecover(profile.ChatsDir(p.Profile))
				logger.Info("integrity scan complete", zap.Int("files", len(results)))
				manager.OnSaved(scanner.RecordChecksum)
			}

			if err := resolver.Load(); err != nil {
				logger.Warn("user cache load failed", zap.Error(err))
			}

			ctx := context.Background()
			buffer.Start(ctx)
			resolver.Start(ctx)
			manager.Start(ctx)

			registerHandlers(dispatcher, manager, resolver, logger)

			// Identify the account so outgoing messages get the right
			// author. Best effort, polling starts regardless.
			go func() {
				self, err := client.UsersGet(ctx, nil)
				if err != nil || len(self) == 0 {
					logger.Warn("account identification failed", zap.Error(err))
					return
				}
				manager.SetSelfID(self[0].ID)
				logger.Info("account identified", zap.Int64("user_id", self[0].ID))
			}()

			if err := col.Start(ctx); err != nil {
				return err
			}

			if healthSrv != nil {
				healthSrv.Register("connection", connectionCheck(machine, col))
				healthSrv.Register("buffer", bufferCheck(buffer))
				healthSrv.Start()

				var mctx context.Context
				mctx, metricsCancel = context.WithCancel(ctx)
				go health.CollectBusMetrics(mctx, b)
			}

			go func() {
				err, ok := <-col.Fatal()
				if !ok {
					return
				}
				logger.Error("connection unrecoverable, shutting down", zap.Error(err))
				_ = shutdowner.Shutdown()
			}()

			logger.Info("daemon started", zap.String("profile", p.Profile))
			return nil
		},
		OnStop: func(_ context.Context) error {
			col.Stop()
			manager.Stop()
			resolver.Stop()
			buffer.Stop()
			if metricsCancel != nil {
				metricsCancel()
			}
			if healthSrv != nil {
				healthSrv.Stop()
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

func connectionCheck(machine *status.Machine, col *collector.Collector) health.CheckFunc {
	return func() error {
		if col.Reconnecting() {
			return fmt.Errorf("reconnecting")
		}
		switch cur := machine.Current(); cur {
		case status.Polling, status.Connected:
			return nil
		default:
			return fmt.Errorf("connection %s", cur)
		}
	}
}

func bufferCheck(buffer *retry.Buffer) health.CheckFunc {
	return func() error {
		if n := buffer.Len(); n > 0 {
			return fmt.Errorf("%d operations awaiting replay", n)
		}
		return nil
	}
}
