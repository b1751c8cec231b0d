package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tilecache/internal/cache"
	"tilecache/internal/config"
	"tilecache/internal/coordinator"
	"tilecache/internal/logger"
	"tilecache/internal/metrics"
	"tilecache/internal/provider"
	"tilecache/internal/raster"
	"tilecache/internal/rescale"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	registry    *prometheus.Registry
	store       *cache.Store
	chain       *provider.Chain
	monitor     *coordinator.Monitor
	coordinator *coordinator.Coordinator
	synthesizer *rescale.Synthesizer

	shutdownVips func()
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	a.shutdownVips = raster.Startup(cfg.VipsMaxCacheMB, cfg.VipsConcurrency, log)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	adapter := metrics.New(a.registry, "tilecache", nil)

	a.store, err = cache.NewStore(cfg.CacheConfig(), log, adapter)
	if err != nil {
		a.shutdownVips()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	a.chain, err = buildChain(cfg, log)
	if err != nil {
		a.store.Close()
		a.shutdownVips()
		return nil, err
	}

	resampler, err := rescale.ParseResampler(cfg.Resampler)
	if err != nil {
		a.store.Close()
		a.shutdownVips()
		return nil, err
	}

	a.monitor = coordinator.NewMonitor(true, log)
	a.coordinator = coordinator.New(a.store, a.chain, coordinator.Options{
		Log:            log,
		Metrics:        adapter,
		Connectivity:   a.monitor,
		FetchTimeout:   cfg.FetchTimeout,
		UnavailableTTL: cfg.UnavailableTTL,
	})
	a.synthesizer = rescale.New(a.store, rescale.Options{
		Log:            log,
		Resampler:      resampler,
		MaxZoomOutDiff: cfg.MaxZoomOutDiff,
	})

	log.Info("Tile chain ready",
		zap.Int("providers", a.chain.Len()),
		zap.Float64("min_zoom", a.chain.MinZoom()),
		zap.Float64("max_zoom", a.chain.MaxZoom()),
	)
	return a, nil
}

// buildChain orders providers from cheapest to most expensive: the offline
// directory, local rasters, then the network upstream.
func buildChain(cfg *config.Config, log *zap.Logger) (*provider.Chain, error) {
	chain := provider.NewChain()
	decoder := raster.Decoder{}

	if cfg.OfflineDir != "" {
		chain.Add(&provider.Descriptor{
			Name:    "offline",
			MinZoom: 0,
			MaxZoom: 30,
			Source:  provider.NewDirSource(cfg.OfflineDir, decoder, cfg.TileMaxAge),
		}, -1)
	}

	if cfg.RasterImage != "" {
		src, err := raster.Open(cfg.RasterImage, cfg.RasterSource, cfg.TileSize, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open raster source: %w", err)
		}
		chain.Add(src.Descriptor(), -1)
	}

	if cfg.RasterDir != "" {
		sources, err := raster.ScanDir(cfg.RasterDir, cfg.RasterSource, cfg.TileSize, log)
		if err != nil {
			return nil, err
		}
		for _, src := range sources {
			chain.Add(src.Descriptor(), -1)
		}
	}

	if len(cfg.UpstreamURLs) > 0 {
		var upstream provider.Source = provider.NewHTTPSource(
			provider.TemplateURLs(cfg.UpstreamURLs...),
			provider.WithDecoder(decoder),
			provider.WithRateLimit(cfg.UpstreamRPS, int(cfg.UpstreamRPS)+1),
			provider.WithUserAgent(cfg.UserAgent),
			provider.WithLogger(log),
		)
		// An empty UPSTREAM_SOURCE lets {source} in the templates pick the layer.
		if cfg.UpstreamSource != "" {
			upstream = provider.OnlySource(cfg.UpstreamSource, upstream)
		}
		chain.Add(&provider.Descriptor{
			Name:            "upstream",
			MinZoom:         cfg.UpstreamMinZoom,
			MaxZoom:         cfg.UpstreamMaxZoom,
			RequiresNetwork: true,
			Source:          upstream,
		}, -1)
	}

	if chain.Len() == 0 {
		log.Warn("No tile providers configured; only cached tiles will be served")
	}
	return chain, nil
}

// startProbe runs the connectivity probe until ctx is done.
func (a *app) startProbe(ctx context.Context) {
	if a.cfg.ProbeURL == "" {
		return
	}
	client := &http.Client{}
	go a.monitor.Probe(ctx, client, a.cfg.ProbeURL, a.cfg.ProbeInterval)
	a.log.Info("Connectivity probe started",
		zap.String("url", a.cfg.ProbeURL),
		zap.Duration("interval", a.cfg.ProbeInterval),
	)
}

func (a *app) Close() {
	a.coordinator.Close()
	if err := a.store.Close(); err != nil {
		a.log.Error("Failed to close cache", zap.Error(err))
	}
	a.shutdownVips()
	_ = a.log.Sync()
}
