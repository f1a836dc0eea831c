package main

import (
	"flag"
	"fmt"

	"github.com/danmuck/panopticon/internal/config"
	"github.com/danmuck/panopticon/internal/logging"
	"github.com/rs/zerolog/log"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case "panopticon":
		return "cmd/panopticonctl/config.toml", nil
	case "sentinel":
		return "cmd/sentinelctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func validate(kind, path string) error {
	switch kind {
	case "panopticon":
		_, err := config.LoadPanopticonConfig(path)
		return err
	case "sentinel":
		_, err := config.LoadSentinelConfig(path)
		return err
	default:
		return fmt.Errorf("unknown kind: %s", kind)
	}
}

func main() {
	kind := flag.String("kind", "panopticon", "config kind: panopticon|sentinel")
	output := flag.String("output", "", "output path for config template")
	check := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	if *check {
		path := *input
		if path == "" {
			p, err := defaultPath(*kind)
			if err != nil {
				log.Fatal().Err(err).Msg("configgen failed")
			}
			path = p
		}
		if err := validate(*kind, path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validation failed")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated")
		return
	}

	target := *output
	if target == "" {
		p, err := defaultPath(*kind)
		if err != nil {
			log.Fatal().Err(err).Msg("configgen failed")
		}
		target = p
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", target).Msg("configgen write failed")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("configgen wrote template")
}
