package provider

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tilecache/internal/tile"
)

const maxTileBytes = 8 << 20

// URLFunc resolves a key to the URLs whose images compose the tile, bottom
// layer first.
type URLFunc func(key tile.Key) []string

// TemplateURLs expands URL templates with the {source}, {z}, {x}, {y} and
// {-y} (TMS row) placeholders. Each template is one composited layer.
func TemplateURLs(templates ...string) URLFunc {
	return func(key tile.Key) []string {
		r := strings.NewReplacer(
			"{source}", key.Source,
			"{z}", strconv.Itoa(key.Zoom),
			"{x}", strconv.Itoa(key.X),
			"{y}", strconv.Itoa(key.Y),
			"{-y}", strconv.Itoa(1<<key.Zoom-1-key.Y),
		)
		urls := make([]string, len(templates))
		for i, t := range templates {
			urls[i] = r.Replace(t)
		}
		return urls
	}
}

// HTTPSource fetches tiles over HTTP. When a key resolves to several URLs,
// every layer must load and they are drawn over each other in order.
type HTTPSource struct {
	urls      URLFunc
	client    *http.Client
	decoder   Decoder
	limiter   *rate.Limiter
	userAgent string
	log       *zap.Logger
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

func WithDecoder(d Decoder) HTTPOption {
	return func(s *HTTPSource) { s.decoder = d }
}

// WithRateLimit caps requests per second; rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(s *HTTPSource) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithUserAgent(ua string) HTTPOption {
	return func(s *HTTPSource) { s.userAgent = ua }
}

func WithLogger(log *zap.Logger) HTTPOption {
	return func(s *HTTPSource) { s.log = log }
}

func NewHTTPSource(urls URLFunc, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		urls:    urls,
		client:  http.DefaultClient,
		decoder: StdDecoder,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) Fetch(ctx context.Context, key tile.Key) (Result, error) {
	urls := s.urls(key)
	if len(urls) == 0 {
		return Result{}, fmt.Errorf("no url for tile %s", key)
	}

	layers := make([]*tile.Image, len(urls))
	stale := make([]bool, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			img, expired, err := s.fetchOne(gctx, url)
			if err != nil {
				return err
			}
			layers[i], stale[i] = img, expired
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Image: layers[0]}
	for _, e := range stale {
		res.Expired = res.Expired || e
	}
	if len(layers) > 1 {
		res.Image = composite(layers)
	}
	return res, nil
}

func (s *HTTPSource) fetchOne(ctx context.Context, url string) (*tile.Image, bool, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, false, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", url, err)
	}

	img, err := s.decoder.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("tile %s: %w", url, err)
	}

	expired := isStale(resp.Header)
	s.log.Debug("Tile fetched",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.Bool("stale", expired),
	)
	return img, expired, nil
}

// isStale recognizes the "110 Response is stale" warning caches attach to
// responses served past their freshness lifetime.
func isStale(h http.Header) bool {
	for _, w := range h.Values("Warning") {
		if strings.HasPrefix(strings.TrimSpace(w), "110") {
			return true
		}
	}
	return false
}

func composite(layers []*tile.Image) *tile.Image {
	base := layers[0]
	out := tile.NewImage(base.Width(), base.Height())
	draw.Draw(out.RGBA, out.RGBA.Bounds(), base.RGBA, image.Point{}, draw.Src)
	for _, layer := range layers[1:] {
		draw.Draw(out.RGBA, out.RGBA.Bounds(), layer.RGBA, image.Point{}, draw.Over)
	}
	return out
}
