package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/panopticon/internal/access"
	"github.com/danmuck/panopticon/internal/admin"
	"github.com/danmuck/panopticon/internal/auth"
	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/lock"
	"github.com/danmuck/panopticon/internal/panopticon"
	"github.com/danmuck/panopticon/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device session listener and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newUnlocker(cfg lockConfig) (lock.Unlocker, error) {
	switch cfg.Provider {
	case "", "none":
		return lock.Noop{}, nil
	case "utec":
		client, err := lock.NewUTecClient(lock.UTecConfig{
			APIURL:      cfg.APIURL,
			AccessToken: cfg.AccessToken,
			Timeout:     cfg.Actuator.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown lock provider %q", cfg.Provider)
	}
}

func serve(ctx context.Context, cfg runtimeConfig) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.AdminSecret == "" {
		return errors.New("admin_jwt_secret is required to serve the admin API")
	}
	tokens, err := auth.NewAdminTokens(cfg.AdminSecret, cfg.AdminTTL)
	if err != nil {
		return err
	}

	bus := events.NewBroadcaster(cfg.Events)
	defer bus.Close()

	unlocker, err := newUnlocker(cfg.Lock)
	if err != nil {
		return err
	}
	actuator := lock.NewActuator(cfg.Lock.Actuator, unlocker, bus)

	ctrl := access.NewController(cfg.Access, db, bus, actuator)
	if err := ctrl.Load(ctx); err != nil {
		return err
	}
	registry := panopticon.NewRegistry(db, bus)
	if err := registry.Load(ctx); err != nil {
		return err
	}
	svc := panopticon.NewService(cfg.Service, registry, ctrl, db, bus)
	ln, err := svc.Listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Service.ListenAddr, err)
	}
	api := admin.NewServer(cfg.Admin, admin.Deps{Access: ctrl, Devices: svc, Events: bus, Tokens: tokens})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("component", name).Msg("panopticonctl.serve component failed")
				errOnce.Do(func() { runErr = fmt.Errorf("%s: %w", name, err) })
				cancel()
			}
		}()
	}

	run("actuator", actuator.Run)
	run("sessions", func(ctx context.Context) error { return svc.Serve(ctx, ln) })
	run("admin", api.Run)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		sink := events.NewRedisSink(client, cfg.Redis.Channel)
		run("redis", func(ctx context.Context) error { return sink.Run(ctx, bus) })
	}

	log.Info().Str("tcp_addr", cfg.Service.ListenAddr).Str("admin_addr", cfg.Admin.Addr).
		Str("mode", string(ctrl.Mode())).Msg("panopticonctl.serve started")
	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("panopticonctl.serve stopped")
	return runErr
}
