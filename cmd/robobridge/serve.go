package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/illmade-knight/go-robobridge/pkg/api"
	"github.com/illmade-knight/go-robobridge/pkg/cache"
	"github.com/illmade-knight/go-robobridge/pkg/codec"
	"github.com/illmade-knight/go-robobridge/pkg/config"
	"github.com/illmade-knight/go-robobridge/pkg/export"
	"github.com/illmade-knight/go-robobridge/pkg/gateway"
	"github.com/illmade-knight/go-robobridge/pkg/microservice"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/mqttbus"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
	"github.com/illmade-knight/go-robobridge/pkg/qos"
	"github.com/illmade-knight/go-robobridge/pkg/topology"
	"github.com/illmade-knight/go-robobridge/pkg/types"
)

const shutdownTimeout = 15 * time.Second

// serve runs the bridge until SIGINT or SIGTERM. A nil bus is built from
// the configuration.
func serve(ctx context.Context, cfg *config.Config, bus middleware.Bus) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Logger
	registry := msgs.NewRegistry()

	if bus == nil {
		var err error
		bus, err = buildBus(ctx, cfg, registry, logger)
		if err != nil {
			return err
		}
	}

	topoCache, err := buildTopologyCache(ctx, cfg, logger)
	if err != nil {
		_ = bus.Close()
		return err
	}
	defer func() { _ = topoCache.Close() }()
	analyzer := topology.NewAnalyzer(bus, logger, topology.WithCache(topoCache))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []gateway.Option{
		gateway.WithMetrics(gateway.NewMetrics(reg)),
		gateway.WithTopology(analyzer),
	}
	exporter, err := buildExporter(ctx, cfg, logger)
	if err != nil {
		_ = bus.Close()
		return err
	}
	if exporter != nil {
		opts = append(opts, gateway.WithExporter(exporter))
	}

	// release frees the bus and exporter when startup fails part way.
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if exporter != nil {
			_ = exporter.Stop(releaseCtx)
		}
		_ = bus.Close()
	}

	negotiator := qos.NewNegotiator(bus, cfg.NegotiatorConfig(), logger)
	gw, err := gateway.New(cfg.GatewayConfig(), bus, codec.New(registry, cfg.CodecOptions()), negotiator, logger, opts...)
	if err != nil {
		release()
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	server := microservice.NewBaseServer(logger, cfg.ServerConfig(), reg)
	server.Router().Handle(cfg.WSPath, gw)
	api.NewHandlers(gw, analyzer, logger).Register(server.Router())

	if err := gw.Start(ctx); err != nil {
		release()
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	if err := server.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = gw.Stop(shutdownCtx)
		release()
		return err
	}
	logger.Info().
		Str("http_addr", server.Addr()).
		Str("ws_path", cfg.WSPath).
		Str("bus", cfg.Bus.Kind).
		Msg("robobridge is running.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly.")
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Gateway did not stop cleanly.")
	}
	if exporter != nil {
		if err := exporter.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Exporter did not flush in time.")
		}
	}
	logger.Info().Msg("robobridge stopped.")
	return nil
}

func buildBus(ctx context.Context, cfg *config.Config, registry *msgs.Registry, logger zerolog.Logger) (middleware.Bus, error) {
	switch cfg.Bus.Kind {
	case config.BusMQTT:
		bus, err := mqttbus.New(cfg.NodeName(), cfg.Bus.MQTT, registry, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT bus: %w", err)
		}
		if err := bus.Connect(ctx); err != nil {
			return nil, err
		}
		return bus, nil
	default:
		logger.Warn().Msg("Using the in-memory bus; only simulated nodes will be visible.")
		return middleware.NewMemoryBus(cfg.NodeName()), nil
	}
}

func buildTopologyCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Cache[string, *types.TopologySnapshot], error) {
	if cfg.TopologyRedis == nil {
		return cache.NewInMemoryCache[string, *types.TopologySnapshot](cfg.TopologyCacheTTL), nil
	}
	rc, err := cache.NewRedisCache[string, *types.TopologySnapshot](ctx, cfg.TopologyRedis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create topology cache: %w", err)
	}
	return rc, nil
}

func buildExporter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*export.PubsubExporter, error) {
	if cfg.Export == nil || !cfg.Export.Enabled {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.Export.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	exporter, err := export.NewPubsubExporter(ctx, cfg.Export, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	exporter.Start(ctx)
	return exporter, nil
}
