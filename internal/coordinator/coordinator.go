package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"tilecache/internal/cache"
	"tilecache/internal/provider"
	"tilecache/internal/tile"
)

var (
	// ErrExhausted means every eligible provider was tried without a usable
	// result.
	ErrExhausted = errors.New("coordinator: no provider could serve the tile")
	// ErrUnavailable means no fetch was started: remote use was not allowed
	// or the key is in the unavailable set.
	ErrUnavailable = errors.New("coordinator: tile unavailable")
)

// Callback receives asynchronous outcomes. A waiter sees exactly one of
// [Fresh], [Failure], [Expired] or [Expired, Fresh]. The image is only
// guaranteed valid for the duration of the call; Acquire it to keep it.
type Callback func(key tile.Key, kind tile.ResultKind, img *tile.Image)

// Response is the immediate answer to Request.
type Response struct {
	// Image is a cached image usable now, Fresh or Expired per Kind. It is
	// Acquired; the caller must Release it.
	Image *tile.Image
	Kind  tile.ResultKind
	// Pending is set when the callback will be invoked later.
	Pending bool
}

// Cache is the part of the tile store the coordinator uses.
// Lookups return Acquired images.
type Cache interface {
	AcquireMemory(key tile.Key) (cache.Entry, bool)
	LookupDisk(key tile.Key) (cache.Entry, bool)
	OnDisk(key tile.Key) bool
	Put(key tile.Key, img *tile.Image) cache.Entry
	PutExpired(key tile.Key, img *tile.Image) cache.Entry
}

type Options struct {
	Log          *zap.Logger
	Metrics      Metrics
	Connectivity Connectivity
	// FetchTimeout bounds a single provider attempt.
	FetchTimeout time.Duration
	// UnavailableTTL is how long a not-found key is skipped.
	UnavailableTTL time.Duration
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	InFlight       int  `json:"in_flight"`
	Unavailable    int  `json:"unavailable"`
	NetworkEnabled bool `json:"network_enabled"`
	Online         bool `json:"online"`
}

// Coordinator runs at most one provider-chain walk per key and fans the
// outcome out to every caller that asked for the key meanwhile.
type Coordinator struct {
	cache        Cache
	chain        *provider.Chain
	log          *zap.Logger
	metrics      Metrics
	connectivity Connectivity
	fetchTimeout time.Duration

	unavailable    *UnavailableSet
	networkEnabled atomic.Bool

	mu       sync.Mutex
	inflight map[tile.Key]*inflight
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func New(store Cache, chain *provider.Chain, opts Options) *Coordinator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.Connectivity == nil {
		opts.Connectivity = Always(true)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cache:        store,
		chain:        chain,
		log:          opts.Log,
		metrics:      opts.Metrics,
		connectivity: opts.Connectivity,
		fetchTimeout: opts.FetchTimeout,
		unavailable:  NewUnavailableSet(opts.UnavailableTTL),
		inflight:     make(map[tile.Key]*inflight),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.networkEnabled.Store(true)

	if m, ok := opts.Connectivity.(interface{ Subscribe(func(bool)) }); ok {
		m.Subscribe(c.connectivityChanged)
	}
	return c
}

// Request returns what is cached for key right now and, unless the tile is
// Fresh, may start (or join) a background walk whose outcome is reported to
// cb. Without allowRemote the walk only reads the disk tier. It never blocks
// on I/O.
func (c *Coordinator) Request(key tile.Key, allowRemote bool, cb Callback) Response {
	if !key.Valid() {
		return Response{Kind: tile.ResultFailure}
	}

	var resp Response
	if e, ok := c.cache.AcquireMemory(key); ok {
		if e.State == cache.Fresh {
			return Response{Image: e.Image, Kind: tile.ResultFresh}
		}
		resp = Response{Image: e.Image, Kind: tile.ResultExpired}
	}

	// Computed before taking the lock; none touches the coordinator state.
	online := c.Online()
	onDisk := c.cache.OnDisk(key)
	eligible := false
	if allowRemote {
		if c.unavailable.Blocked(key, online) {
			return resp
		}
		eligible = len(c.chain.Eligible(key, online)) > 0
	} else if !onDisk {
		return resp
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return resp
	}
	if req, ok := c.inflight[key]; ok {
		if allowRemote {
			req.diskOnly = false
		}
		w := req.join(cb)
		if req.stale != nil && w != nil {
			stale := req.stale
			c.wg.Go(func() { req.deliverStale(w, stale) })
		}
		c.mu.Unlock()
		resp.Pending = true
		return resp
	}
	if !eligible && !onDisk {
		c.mu.Unlock()
		if !online {
			c.unavailable.Add(key, ReasonOffline)
		}
		if resp.Image == nil {
			resp.Kind = tile.ResultFailure
		}
		c.log.Debug("No eligible provider",
			zap.String("key", key.String()),
			zap.Bool("online", online),
		)
		return resp
	}

	req := &inflight{key: key, diskOnly: !allowRemote}
	req.join(cb)
	c.inflight[key] = req
	n := len(c.inflight)
	c.wg.Go(func() { c.walk(req) })
	c.mu.Unlock()

	c.metrics.InFlight(n)
	resp.Pending = true
	return resp
}

// Fetch is a blocking form of Request. It returns as soon as a usable image
// is known, Expired or Fresh. The returned image is Acquired; the caller must
// Release it.
func (c *Coordinator) Fetch(ctx context.Context, key tile.Key, allowRemote bool) (*tile.Image, tile.ResultKind, error) {
	type outcome struct {
		kind tile.ResultKind
		img  *tile.Image
	}
	// At most two notifications arrive, so sends never block.
	results := make(chan outcome, 2)
	var (
		mu   sync.Mutex
		done bool
	)
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
		for {
			select {
			case o := <-results:
				if o.img != nil {
					o.img.Release()
				}
			default:
				return
			}
		}
	}

	resp := c.Request(key, allowRemote, func(_ tile.Key, kind tile.ResultKind, img *tile.Image) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		if img != nil {
			img.Acquire()
		}
		results <- outcome{kind: kind, img: img}
	})

	if resp.Image != nil {
		stop()
		return resp.Image, resp.Kind, nil
	}
	if !resp.Pending {
		if resp.Kind == tile.ResultFailure {
			return nil, tile.ResultFailure, ErrExhausted
		}
		return nil, tile.ResultNone, ErrUnavailable
	}

	select {
	case <-ctx.Done():
		stop()
		return nil, tile.ResultNone, ctx.Err()
	case o := <-results:
		stop()
		if o.kind == tile.ResultFailure {
			return nil, o.kind, ErrExhausted
		}
		return o.img, o.kind, nil
	}
}

// SetNetworkEnabled toggles the use of network-bound providers. Re-enabling
// forgets every unavailable key.
func (c *Coordinator) SetNetworkEnabled(enabled bool) {
	if c.networkEnabled.Swap(enabled) == enabled {
		return
	}
	if enabled {
		c.unavailable.Clear()
	}
	c.log.Info("Network use changed", zap.Bool("enabled", enabled))
}

func (c *Coordinator) NetworkEnabled() bool {
	return c.networkEnabled.Load()
}

// Online reports whether network-bound providers may be used right now.
func (c *Coordinator) Online() bool {
	return c.networkEnabled.Load() && c.connectivity.Available()
}

func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) Unavailable() *UnavailableSet {
	return c.unavailable
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		InFlight:       c.InFlight(),
		Unavailable:    c.unavailable.Len(),
		NetworkEnabled: c.NetworkEnabled(),
		Online:         c.Online(),
	}
}

// Close cancels running provider attempts and waits for every walk to
// deliver its outcome.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) connectivityChanged(available bool) {
	if !available {
		return
	}
	if n := c.unavailable.ClearOffline(); n > 0 {
		c.log.Info("Connectivity restored, retrying unavailable tiles", zap.Int("count", n))
	}
}

// walk consults the disk tier, then every provider of the chain in order,
// until a Fresh result is found. A disk-only walk stops after the disk tier
// unless a caller allowing remote use joined it.
func (c *Coordinator) walk(req *inflight) {
	key := req.key

	if e, ok := c.cache.LookupDisk(key); ok {
		if e.State == cache.Fresh {
			c.metrics.Fetch("disk", OutcomeFresh)
			c.finish(req, tile.ResultFresh, e.Image)
			e.Image.Release()
			return
		}
		c.metrics.Fetch("disk", OutcomeExpired)
		c.foundStale(req, e.Image)
		e.Image.Release()
	}

	c.mu.Lock()
	if req.diskOnly {
		c.finishLocked(req, tile.ResultFailure, nil)
		return
	}
	c.mu.Unlock()

	attempted, notFound := 0, 0
	for _, d := range c.chain.Snapshot() {
		if c.ctx.Err() != nil {
			break
		}
		// The chain may have changed and connectivity may have dropped since
		// the walk started.
		if !c.chain.Contains(d) || !d.Eligible(key, c.Online()) {
			continue
		}
		attempted++

		res, err := c.attempt(d, key)
		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, provider.ErrNotFound) {
				outcome = OutcomeNotFound
				notFound++
			}
			c.metrics.Fetch(d.Name, outcome)
			c.log.Debug("Provider failed",
				zap.String("key", key.String()),
				zap.String("provider", d.Name),
				zap.Error(err),
			)
			continue
		}

		if res.Expired {
			c.metrics.Fetch(d.Name, OutcomeExpired)
			res.Image.Acquire()
			c.cache.PutExpired(key, res.Image)
			c.foundStale(req, res.Image)
			res.Image.Release()
			continue
		}

		c.metrics.Fetch(d.Name, OutcomeFresh)
		// Held so eviction cannot pool the image before every waiter saw it.
		res.Image.Acquire()
		c.cache.Put(key, res.Image)
		c.finish(req, tile.ResultFresh, res.Image)
		res.Image.Release()
		return
	}

	switch {
	case !c.Online():
		c.unavailable.Add(key, ReasonOffline)
	case attempted > 0 && notFound == attempted:
		c.unavailable.Add(key, ReasonNotFound)
	}
	c.log.Debug("Providers exhausted",
		zap.String("key", key.String()),
		zap.Int("attempted", attempted),
		zap.Bool("stale", req.stale != nil),
	)
	c.finish(req, tile.ResultFailure, nil)
}

func (c *Coordinator) attempt(d *provider.Descriptor, key tile.Key) (provider.Result, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	res, err := d.Source.Fetch(ctx, key)
	if err != nil {
		return provider.Result{}, err
	}
	if res.Image == nil {
		return provider.Result{}, errors.New("provider returned no image")
	}
	return res, nil
}

// foundStale records a stale-but-usable image and notifies the current
// waiters once. The image stays Acquired until the walk finishes.
func (c *Coordinator) foundStale(req *inflight, img *tile.Image) {
	img.Acquire()
	c.mu.Lock()
	req.stale = img
	req.held = append(req.held, img)
	waiters := append([]*waiter(nil), req.waiters...)
	c.mu.Unlock()

	req.deliverMu.Lock()
	defer req.deliverMu.Unlock()
	for _, w := range waiters {
		if !w.done && !w.gotExpired {
			w.gotExpired = true
			deliver(w.cb, req.key, tile.ResultExpired, img)
		}
	}
}

// finish ends the walk. The in-flight entry is removed before any waiter is
// notified, so callbacks that request the key again start a new walk.
func (c *Coordinator) finish(req *inflight, kind tile.ResultKind, img *tile.Image) {
	c.mu.Lock()
	c.finishLocked(req, kind, img)
}

// finishLocked is finish with c.mu already held. It unlocks c.mu.
func (c *Coordinator) finishLocked(req *inflight, kind tile.ResultKind, img *tile.Image) {
	delete(c.inflight, req.key)
	waiters := req.waiters
	stale := req.stale
	held := req.held
	req.held = nil
	n := len(c.inflight)
	c.mu.Unlock()
	c.metrics.InFlight(n)

	defer func() {
		for _, img := range held {
			img.Release()
		}
	}()

	req.deliverMu.Lock()
	defer req.deliverMu.Unlock()
	for _, w := range waiters {
		if w.done {
			continue
		}
		w.done = true

		switch {
		case kind == tile.ResultFresh:
			deliver(w.cb, req.key, kind, img)
		case stale != nil:
			// A stale image already stands as this waiter's outcome.
			if !w.gotExpired {
				w.gotExpired = true
				deliver(w.cb, req.key, tile.ResultExpired, stale)
			}
		default:
			deliver(w.cb, req.key, tile.ResultFailure, nil)
		}
	}
}

type inflight struct {
	key tile.Key

	// Guarded by Coordinator.mu.
	diskOnly bool
	waiters  []*waiter
	stale    *tile.Image
	held     []*tile.Image

	// Serializes notifications so each waiter sees them in order.
	deliverMu sync.Mutex
}

type waiter struct {
	cb Callback

	// Guarded by inflight.deliverMu.
	gotExpired bool
	done       bool
}

func (r *inflight) join(cb Callback) *waiter {
	if cb == nil {
		return nil
	}
	w := &waiter{cb: cb}
	r.waiters = append(r.waiters, w)
	return w
}

// deliverStale gives a waiter that joined after a stale image was found its
// Expired notification, unless the walk already finished for it.
func (r *inflight) deliverStale(w *waiter, img *tile.Image) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if w.done || w.gotExpired {
		return
	}
	w.gotExpired = true
	deliver(w.cb, r.key, tile.ResultExpired, img)
}

func deliver(cb Callback, key tile.Key, kind tile.ResultKind, img *tile.Image) {
	if img != nil {
		img.Acquire()
		defer img.Release()
	}
	cb(key, kind, img)
}
