package main

import (
	"context"
	"fmt"
	"iter"
	"math"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

var (
	warmupSource  string
	warmupMinZoom int
	warmupMaxZoom int
	warmupBBox    string

	warmupCmd = &cobra.Command{
		Use:   "warmup",
		Short: "Prefetch a bounding box of tiles into the cache",
		Long: `warmup walks every tile of a lon/lat bounding box between two zoom
levels through the provider chain, filling the memory and disk cache.`,
		RunE: runWarmup,
	}
)

func init() {
	warmupCmd.Flags().StringVar(&warmupSource, "source", "", "tile source name (defaults to UPSTREAM_SOURCE)")
	warmupCmd.Flags().IntVar(&warmupMinZoom, "min-zoom", 0, "first zoom level")
	warmupCmd.Flags().IntVar(&warmupMaxZoom, "max-zoom", 4, "last zoom level")
	warmupCmd.Flags().StringVar(&warmupBBox, "bbox", "-180,-85.0511,180,85.0511", "minLon,minLat,maxLon,maxLat")
}

type bbox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

func parseBBox(s string) (bbox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return bbox{}, fmt.Errorf("bbox needs 4 comma separated values, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bbox{}, fmt.Errorf("invalid bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	b := bbox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if b.MinLon > b.MaxLon || b.MinLat > b.MaxLat {
		return bbox{}, fmt.Errorf("bbox minimum exceeds maximum: %q", s)
	}
	return b, nil
}

// lonLatToTile returns the web mercator tile containing the point at zoom.
func lonLatToTile(lon, lat float64, zoom int) (int, int) {
	n := float64(int(1) << zoom)
	lat = math.Max(-85.0511, math.Min(85.0511, lat))
	rad := lat * math.Pi / 180

	x := int(math.Floor((lon + 180) / 360 * n))
	y := int(math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n))

	last := int(n) - 1
	return min(max(x, 0), last), min(max(y, 0), last)
}

// tilesInBBox yields every tile of source covering b at zoom levels
// min..max, one at a time.
func tilesInBBox(source string, b bbox, minZoom, maxZoom int) iter.Seq[tile.Key] {
	return func(yield func(tile.Key) bool) {
		for z := minZoom; z <= maxZoom; z++ {
			x0, y0 := lonLatToTile(b.MinLon, b.MaxLat, z)
			x1, y1 := lonLatToTile(b.MaxLon, b.MinLat, z)
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					if !yield(tile.Key{Source: source, Zoom: z, X: x, Y: y}) {
						return
					}
				}
			}
		}
	}
}

// countTilesInBBox is the number of keys tilesInBBox yields.
func countTilesInBBox(b bbox, minZoom, maxZoom int) int64 {
	var n int64
	for z := minZoom; z <= maxZoom; z++ {
		x0, y0 := lonLatToTile(b.MinLon, b.MaxLat, z)
		x1, y1 := lonLatToTile(b.MaxLon, b.MinLat, z)
		n += int64(x1-x0+1) * int64(y1-y0+1)
	}
	return n
}

func runWarmup(cmd *cobra.Command, args []string) error {
	b, err := parseBBox(warmupBBox)
	if err != nil {
		return err
	}
	if warmupMinZoom < 0 || warmupMaxZoom > tile.MaxZoom || warmupMinZoom > warmupMaxZoom {
		return fmt.Errorf("invalid zoom range %d..%d", warmupMinZoom, warmupMaxZoom)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	source := warmupSource
	if source == "" {
		source = a.cfg.UpstreamSource
	}
	if !tile.ValidSource(source) {
		return fmt.Errorf("invalid tile source %q", source)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.startProbe(ctx)

	a.log.Info("Starting tile warmup",
		zap.String("source", source),
		zap.Int("min_zoom", warmupMinZoom),
		zap.Int("max_zoom", warmupMaxZoom),
		zap.Int64("tiles", countTilesInBBox(b, warmupMinZoom, warmupMaxZoom)),
		zap.Int("workers", a.cfg.WarmupWorkers),
	)

	workers := a.cfg.WarmupWorkers
	if workers <= 0 {
		workers = 1
	}

	var fetched, failed atomic.Int64
	start := time.Now()
	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx)
	// Go blocks while every worker is busy, so keys are produced on demand.
	for key := range tilesInBBox(source, b, warmupMinZoom, warmupMaxZoom) {
		if ctx.Err() != nil {
			break
		}
		p.Go(func(ctx context.Context) error {
			img, kind, err := a.coordinator.Fetch(ctx, key, true)
			if err != nil {
				failed.Add(1)
				a.log.Debug("Warmup tile failed", zap.String("key", key.String()), zap.Error(err))
				return nil
			}
			img.Release()
			fetched.Add(1)
			if kind == tile.ResultExpired {
				a.log.Debug("Warmup tile stale", zap.String("key", key.String()))
			}
			return nil
		})
	}
	_ = p.Wait()

	a.log.Info("Tile warmup completed",
		zap.Int64("fetched", fetched.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return ctx.Err()
}
