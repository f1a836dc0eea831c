package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/panopticon/internal/rfid/capture"
	"github.com/danmuck/panopticon/internal/sentinel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Decode tags and stream them to the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRuntimeConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg runtimeConfig) error {
	client, err := sentinel.NewClient(cfg.Client)
	if err != nil {
		return err
	}
	decoder, err := sentinel.NewDecoder(cfg.Decoder)
	if err != nil {
		return err
	}
	source, err := newSource(cfg)
	if err != nil {
		return err
	}
	log.Logger = log.Logger.Hook(sentinel.NewLogForwarder(client, "sentinelctl"))

	q := cfg.newQueue()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		runErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		runErr = client.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		decoder.Run(ctx, q.C(), client)
	}()
	go func() {
		defer wg.Done()
		if err := source(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("sentinelctl.run source failed")
		}
	}()

	log.Info().Str("addr", cfg.Client.Address).Str("source", cfg.Source).Msg("sentinelctl.run started")
	<-ctx.Done()
	q.Close()
	wg.Wait()

	stats := decoder.Stats()
	cs := client.Stats()
	log.Info().Uint64("frames", stats.Frames).Uint64("accepted", stats.Accepted).
		Uint64("rejected", stats.Rejected).Uint64("dropped_edges", q.Dropped()).
		Uint64("sessions", cs.Sessions).Uint64("sent", cs.Sent).Msg("sentinelctl.run stopped")
	return runErr
}

type sourceFunc func(ctx context.Context, q *capture.Queue) error

func newSource(cfg runtimeConfig) (sourceFunc, error) {
	switch cfg.Source {
	case sourceSynthetic:
		src := sentinel.SyntheticSource{
			Tag:        cfg.SyntheticTag,
			Every:      cfg.SyntheticEvery,
			Manchester: cfg.Decoder.Manchester,
		}
		return src.Run, nil
	case sourceReplay:
		f, err := os.Open(cfg.ReplayFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		edges, err := capture.ReadReplay(f)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", cfg.ReplayFile, err)
		}
		return func(ctx context.Context, q *capture.Queue) error {
			_, err := sentinel.Play(ctx, edges, q, true)
			if err != nil {
				return err
			}
			log.Info().Int("edges", len(edges)).Msg("sentinelctl.run replay finished")
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}
