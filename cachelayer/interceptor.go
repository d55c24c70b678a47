// Package cachelayer intercepts outbound GET requests and decides, per
// request, whether to serve a stored response, fetch fresh and store a
// copy, or pass through untouched. It plugs in as an http.RoundTripper so
// every client built on it participates transparently.
//
// Stored responses live in named generations (one per logical purpose:
// static assets, map tiles, API images) that are versioned and evicted
// independently. Caching is always best-effort relative to serving: a
// storage failure is logged and swallowed, never surfaced to the caller.
package cachelayer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// maxBodyBytes caps how much of a response body is read for caching (10 MiB).
const maxBodyBytes int64 = 10 << 20

// Generations names the current generation per logical cache purpose.
// Bumping one name supersedes only that purpose's entries.
type Generations struct {
	Static    string // application shell, scripts, styles, icons
	Tiles     string // external map tiles
	APIImages string // story photos served by the remote API
}

// All returns the generation names in a fixed order.
func (g Generations) All() []string {
	return []string{g.Static, g.Tiles, g.APIImages}
}

// LifecycleState tracks the interceptor through its install flow.
type LifecycleState int32

const (
	StateNew LifecycleState = iota
	StateInstalling
	StateActive
)

func (s LifecycleState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActive:
		return "active"
	}
	return "new"
}

// MetricSink receives counter datapoints. Implemented by obs.Recorder.
type MetricSink interface {
	Record(name string, value float64)
}

// Interceptor is the cache-interception layer.
type Interceptor struct {
	base         http.RoundTripper
	store        *Store
	policy       Policy
	gens         Generations
	manifest     []string
	shellPath    string
	placeholders []string
	logger       *slog.Logger
	metrics      MetricSink

	state atomic.Int32
	sf    singleflight.Group
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithBase sets the underlying transport. Default: http.DefaultTransport.
func WithBase(rt http.RoundTripper) InterceptorOption {
	return func(i *Interceptor) { i.base = rt }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) InterceptorOption {
	return func(i *Interceptor) { i.logger = l }
}

// WithMetrics wires a metric sink for hit/miss counters.
func WithMetrics(m MetricSink) InterceptorOption {
	return func(i *Interceptor) { i.metrics = m }
}

// WithShell sets the same-origin path served to navigations when the
// network is down. Default: "/index.html".
func WithShell(path string) InterceptorOption {
	return func(i *Interceptor) { i.shellPath = path }
}

// WithPlaceholders sets the ordered placeholder fallback chain: same-origin
// paths tried in sequence when an image cannot be fetched or found. The
// first entry is also the fallback for same-origin image requests.
func WithPlaceholders(paths ...string) InterceptorOption {
	return func(i *Interceptor) { i.placeholders = paths }
}

// NewInterceptor creates an Interceptor over store. The manifest lists the
// same-origin asset paths pre-populated by Install.
func NewInterceptor(store *Store, policy Policy, gens Generations, manifest []string, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		base:      http.DefaultTransport,
		store:     store,
		policy:    policy,
		gens:      gens,
		manifest:  manifest,
		shellPath: "/index.html",
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// State returns the current lifecycle state.
func (i *Interceptor) State() LifecycleState {
	return LifecycleState(i.state.Load())
}

// Install pre-populates the static generation from the manifest. Each asset
// is fetched independently and a failure is logged and skipped — a missing
// icon must not prevent the layer from activating. Install only returns an
// error when the context is cancelled.
func (i *Interceptor) Install(ctx context.Context) error {
	i.state.Store(int32(StateInstalling))
	i.logger.Info("cachelayer: installing", "assets", len(i.manifest), "generation", i.gens.Static)

	var stored, skipped int
	for _, path := range i.manifest {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := i.installAsset(ctx, path); err != nil {
			i.logger.Warn("cachelayer: asset skipped during install", "path", path, "error", err)
			skipped++
			continue
		}
		stored++
	}

	i.state.Store(int32(StateActive))
	i.logger.Info("cachelayer: active", "stored", stored, "skipped", skipped)
	return nil
}

func (i *Interceptor) installAsset(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.policy.Origin+path, nil)
	if err != nil {
		return err
	}
	entry, err := i.fetchEntry(req)
	if err != nil {
		return err
	}
	if entry.Status != http.StatusOK {
		return fmt.Errorf("status %d", entry.Status)
	}
	return i.store.Put(ctx, i.gens.Static, entry)
}

// Activate deletes every generation whose name is not current. Run it
// after Install; stale generations are garbage from that point on.
func (i *Interceptor) Activate(ctx context.Context) error {
	return i.store.ActivateOnly(ctx, i.gens.All())
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	switch i.policy.Classify(req) {
	case CategoryTile:
		return i.tile(req)
	case CategoryAPIImage:
		return i.apiImage(req)
	case CategorySameOrigin:
		return i.sameOrigin(req)
	default:
		// Bypass, API data and foreign origins go straight to the network.
		return i.base.RoundTrip(req)
	}
}

// tile serves map tiles cache-first. A cached tile is returned immediately
// and refreshed in the background; a miss waits on the network; a miss
// with no network yields a synthetic empty 503 and stores nothing.
func (i *Interceptor) tile(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req.URL)

	cached := i.lookup(ctx, i.gens.Tiles, key)
	if cached != nil {
		i.count("cache.hit.tiles")
		bg := context.WithoutCancel(ctx)
		go func() {
			resp, err := i.fill(i.gens.Tiles, req.Clone(bg))
			if err != nil {
				i.logger.Debug("cachelayer: tile refresh failed", "key", key, "error", err)
				return
			}
			resp.Body.Close()
		}()
		return cached.Response(req), nil
	}

	i.count("cache.miss.tiles")
	resp, err := i.fill(i.gens.Tiles, req)
	if err != nil {
		return synthesize(req, http.StatusServiceUnavailable), nil
	}
	return resp, nil
}

// apiImage serves story photos cache-first. On total failure the
// placeholder fallback chain is tried in order against the static
// generation; when the chain is exhausted a synthetic 404 is returned
// rather than an error.
func (i *Interceptor) apiImage(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req.URL)

	cached := i.lookup(ctx, i.gens.APIImages, key)
	if cached != nil {
		i.count("cache.hit.api_images")
		return cached.Response(req), nil
	}

	i.count("cache.miss.api_images")
	resp, err := i.fill(i.gens.APIImages, req)
	if err == nil {
		return resp, nil
	}

	if ph := i.placeholder(ctx); ph != nil {
		return ph.Response(req), nil
	}
	return synthesize(req, http.StatusNotFound), nil
}

// sameOrigin serves shell assets cache-first with a network fill. On total
// network failure a navigation falls back to the stored shell and an image
// falls back to the stored placeholder; any other destination surfaces the
// fetch error.
func (i *Interceptor) sameOrigin(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req.URL)

	cached := i.lookup(ctx, i.gens.Static, key)
	if cached != nil {
		i.count("cache.hit.static")
		return cached.Response(req), nil
	}

	i.count("cache.miss.static")
	resp, err := i.fill(i.gens.Static, req)
	if err == nil {
		return resp, nil
	}

	if isNavigation(req) {
		if shell := i.lookup(ctx, i.gens.Static, cacheKeyString(i.policy.Origin+i.shellPath)); shell != nil {
			i.logger.Info("cachelayer: serving shell fallback", "key", key)
			return shell.Response(req), nil
		}
	}
	if destination(req) == "image" {
		if ph := i.placeholder(ctx); ph != nil {
			return ph.Response(req), nil
		}
	}
	return nil, err
}

// fill fetches from the network and stores the snapshot on HTTP 200.
// Concurrent fills for the same key are collapsed into one fetch; every
// caller still materializes its own response from the shared snapshot.
// A body beyond maxBodyBytes streams through to the caller untouched and
// is never stored: caching must not alter what the caller receives.
// The storage write is best-effort: its failure never fails the fill.
func (i *Interceptor) fill(generation string, req *http.Request) (*http.Response, error) {
	v, err, _ := i.sf.Do(generation+"|"+cacheKey(req.URL), func() (any, error) {
		resp, err := i.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("cachelayer: read body: %w", err)
		}
		if int64(len(body)) > maxBodyBytes {
			// Too large to cache. Stitch the bytes read so far back onto
			// the stream and pass the response through.
			i.logger.Debug("cachelayer: body exceeds cache limit, passing through",
				"key", cacheKey(req.URL))
			resp.Body = replayBody{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
			return &passthrough{resp: resp}, nil
		}
		resp.Body.Close()

		entry := &Entry{
			Key:      cacheKey(req.URL),
			Status:   resp.StatusCode,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: time.Now(),
		}
		if entry.Status == http.StatusOK {
			if err := i.store.Put(req.Context(), generation, entry); err != nil {
				i.logger.Warn("cachelayer: store failed, serving anyway",
					"generation", generation, "key", entry.Key, "error", err)
			}
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if entry, ok := v.(*Entry); ok {
		return entry.Response(req), nil
	}
	// Oversize responses cannot be shared between collapsed callers: the
	// stream goes to whoever claims it first, everyone else refetches.
	if resp := v.(*passthrough).claim(); resp != nil {
		return resp, nil
	}
	return i.base.RoundTrip(req)
}

// passthrough holds a response too large to cache. Exactly one collapsed
// caller may take the stream.
type passthrough struct {
	resp *http.Response
	once sync.Once
}

func (p *passthrough) claim() *http.Response {
	var r *http.Response
	p.once.Do(func() { r = p.resp })
	return r
}

// replayBody prepends already-read bytes to the rest of a body stream
// while keeping the original closer.
type replayBody struct {
	io.Reader
	io.Closer
}

// fetchEntry performs the network fetch and materializes the whole body,
// so the stored copy and any served copy are independent snapshots of the
// same bytes. Used on the install path, where a body beyond the cache
// limit is an error: install assets are stored, never passed through.
func (i *Interceptor) fetchEntry(req *http.Request) (*Entry, error) {
	resp, err := i.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("cachelayer: read body: %w", err)
	}
	if int64(len(body)) > maxBodyBytes {
		return nil, fmt.Errorf("cachelayer: body exceeds cache limit")
	}
	return &Entry{
		Key:      cacheKey(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// lookup is a read that treats storage failure as a miss.
func (i *Interceptor) lookup(ctx context.Context, generation, key string) *Entry {
	entry, err := i.store.Get(ctx, generation, key)
	if err != nil {
		i.logger.Warn("cachelayer: cache read failed, treating as miss",
			"generation", generation, "key", key, "error", err)
		return nil
	}
	return entry
}

// placeholder walks the fallback chain and returns the first placeholder
// present in the static generation.
func (i *Interceptor) placeholder(ctx context.Context) *Entry {
	for _, path := range i.placeholders {
		if e := i.lookup(ctx, i.gens.Static, cacheKeyString(i.policy.Origin+path)); e != nil {
			return e
		}
	}
	return nil
}

func (i *Interceptor) count(name string) {
	if i.metrics != nil {
		i.metrics.Record(name, 1)
	}
}

// cacheKey normalizes a request URL into the stored key: the absolute URL
// without its fragment. Only GETs are cached, so the method is implied.
func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	return c.String()
}

func cacheKeyString(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return cacheKey(u)
}

// synthesize builds an empty response for req with the given status.
// Used where the policy demands an answer instead of an error.
func synthesize(req *http.Request, status int) *http.Response {
	e := &Entry{Status: status, Header: http.Header{}}
	return e.Response(req)
}
