// Package server parses server command flags and composes the realtime
// transport entrypoint.
package server

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/nearwave/nearwave/internal/app"
	"github.com/nearwave/nearwave/internal/ingest/mqttingest"
	entrypoint "github.com/nearwave/nearwave/internal/platform/cmd"
)

// Config holds server command configuration.
type Config struct {
	HTTPAddr      string        `env:"NEARWAVE_HTTP_ADDR"      envDefault:":8080"`
	MatchDBPath   string        `env:"NEARWAVE_MATCH_DB"       envDefault:"nearwave.db"`
	StaleAfter    time.Duration `env:"NEARWAVE_STALE_AFTER"    envDefault:"30s"`
	Throttle      time.Duration `env:"NEARWAVE_THROTTLE"       envDefault:"2500ms"`
	FallbackAfter time.Duration `env:"NEARWAVE_FALLBACK_AFTER" envDefault:"4s"`
	MQTTBroker    string        `env:"NEARWAVE_MQTT_BROKER"`
	MQTTTopic     string        `env:"NEARWAVE_MQTT_TOPIC"     envDefault:"nearwave/position/+"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.MatchDBPath, "match-db", cfg.MatchDBPath, "path to the match SQLite database")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "age after which a presence record reads as offline")
	fs.DurationVar(&cfg.Throttle, "throttle", cfg.Throttle, "minimum interval between continuous presence writes")
	fs.DurationVar(&cfg.FallbackAfter, "fallback-after", cfg.FallbackAfter, "wait before publishing the fallback coordinate")
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", cfg.MQTTBroker, "MQTT broker URL for beacon ingest; empty disables it")
	fs.StringVar(&cfg.MQTTTopic, "mqtt-topic", cfg.MQTTTopic, "MQTT topic filter for beacon readings")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the realtime app and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(context.Context) error {
		if err := app.Run(ctx, app.Config{
			HTTPAddr:      cfg.HTTPAddr,
			MatchDBPath:   cfg.MatchDBPath,
			StaleAfter:    cfg.StaleAfter,
			Throttle:      cfg.Throttle,
			FallbackAfter: cfg.FallbackAfter,
			MQTT: mqttingest.Config{
				BrokerURL: cfg.MQTTBroker,
				Topic:     cfg.MQTTTopic,
			},
		}); err != nil {
			return fmt.Errorf("serve realtime: %w", err)
		}
		return nil
	})
}
