package cachelayer_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/storysync/cachelayer"
)

// fakeTransport scripts the network side of the interceptor. The default
// behaviour answers 200 with a body derived from the path; tests override
// per-URL responses or fail the whole network.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	down    bool
	status  map[string]int // per-URL status override
	answers map[string]string
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	f.mu.Lock()
	f.calls = append(f.calls, url)
	down := f.down
	status, hasStatus := f.status[url]
	body, hasBody := f.answers[url]
	f.mu.Unlock()

	if down {
		return nil, errors.New("network unreachable")
	}
	if !hasStatus {
		status = http.StatusOK
	}
	if !hasBody {
		body = "content of " + req.URL.Path
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (f *fakeTransport) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

var testGens = cachelayer.Generations{
	Static:    "static-v1",
	Tiles:     "tiles-v1",
	APIImages: "api-images-v1",
}

func newInterceptor(t *testing.T, ft *fakeTransport, manifest []string) (*cachelayer.Interceptor, *cachelayer.Store) {
	t.Helper()
	s := cachelayer.NewStore(openCacheDB(t))
	i := cachelayer.NewInterceptor(s, testPolicy(), testGens, manifest,
		cachelayer.WithBase(ft),
		cachelayer.WithPlaceholders("/images/placeholder.png", "/images/favicon.png"),
	)
	return i, s
}

func get(t *testing.T, i *cachelayer.Interceptor, url string, dest string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	resp, err := i.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip(%s): %v", url, err)
	}
	return resp
}

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestInstallSurvivesMissingAssets(t *testing.T) {
	ft := &fakeTransport{status: map[string]int{
		"https://app.example/icons/icon-512.png": http.StatusNotFound,
	}}
	manifest := []string{"/index.html", "/app.bundle.js", "/icons/icon-512.png"}
	i, s := newInterceptor(t, ft, manifest)

	if err := i.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if i.State() != cachelayer.StateActive {
		t.Fatalf("state = %v, want active", i.State())
	}

	n, _ := s.Count(context.Background(), testGens.Static)
	if n != 2 {
		t.Fatalf("stored %d assets, want 2 (the 404 is skipped, not fatal)", n)
	}
}

func TestInstallAllAssetsUnreachableStillActivates(t *testing.T) {
	ft := &fakeTransport{down: true}
	i, _ := newInterceptor(t, ft, []string{"/index.html"})

	if err := i.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if i.State() != cachelayer.StateActive {
		t.Fatalf("state = %v, want active", i.State())
	}
}

func TestAPIDataNeverCached(t *testing.T) {
	ft := &fakeTransport{}
	i, s := newInterceptor(t, ft, nil)
	url := "https://story-api.example.dev/v1/stories"

	for range 3 {
		resp := get(t, i, url, "")
		resp.Body.Close()
	}

	if got := ft.callCount(url); got != 3 {
		t.Fatalf("network saw %d calls, want 3 — data endpoints must never be served from cache", got)
	}
	// And nothing was stored under any generation.
	for _, gen := range testGens.All() {
		if n, _ := s.Count(context.Background(), gen); n != 0 {
			t.Fatalf("generation %s holds %d entries, want 0", gen, n)
		}
	}
}

func TestNonGETPassesThrough(t *testing.T) {
	ft := &fakeTransport{}
	i, s := newInterceptor(t, ft, nil)

	req, _ := http.NewRequest(http.MethodPost, "https://app.example/stories", strings.NewReader("x"))
	resp, err := i.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if n, _ := s.Count(context.Background(), testGens.Static); n != 0 {
		t.Fatal("POST response was stored")
	}
}

func TestSameOriginCacheFirstWithFill(t *testing.T) {
	ft := &fakeTransport{}
	i, _ := newInterceptor(t, ft, nil)
	url := "https://app.example/app.css"

	first := bodyString(t, get(t, i, url, "style"))
	second := bodyString(t, get(t, i, url, "style"))

	if first != second {
		t.Fatalf("cached copy differs: %q vs %q", first, second)
	}
	if got := ft.callCount(url); got != 1 {
		t.Fatalf("network saw %d calls, want 1 — second request must come from cache", got)
	}
}

func TestSameOriginErrorResponsesNotStored(t *testing.T) {
	ft := &fakeTransport{status: map[string]int{
		"https://app.example/flaky.js": http.StatusInternalServerError,
	}}
	i, s := newInterceptor(t, ft, nil)

	resp := get(t, i, "https://app.example/flaky.js", "script")
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want passthrough 500", resp.StatusCode)
	}
	if n, _ := s.Count(context.Background(), testGens.Static); n != 0 {
		t.Fatal("non-200 response was stored")
	}
}

func TestNavigationFallsBackToShell(t *testing.T) {
	ft := &fakeTransport{answers: map[string]string{
		"https://app.example/index.html": "<html>shell</html>",
	}}
	i, _ := newInterceptor(t, ft, []string{"/index.html"})
	if err := i.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	ft.setDown(true)

	resp := get(t, i, "https://app.example/stories/42", "document")
	if got := bodyString(t, resp); got != "<html>shell</html>" {
		t.Fatalf("navigation fallback body = %q, want the cached shell", got)
	}
}

func TestOfflineNonNavigationSurfacesError(t *testing.T) {
	ft := &fakeTransport{}
	i, _ := newInterceptor(t, ft, nil)
	ft.setDown(true)

	req, _ := http.NewRequest(http.MethodGet, "https://app.example/data.json", nil)
	req.Header.Set("Sec-Fetch-Dest", "empty")
	if _, err := i.RoundTrip(req); err == nil {
		t.Fatal("expected the fetch error to surface — no fallback is defined for this destination")
	}
}

func TestTileMissOfflineSynthesizes503(t *testing.T) {
	ft := &fakeTransport{down: true}
	i, s := newInterceptor(t, ft, nil)

	resp := get(t, i, "https://a.tile.example.org/12/2048/1362.png", "image")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if len(b) != 0 {
		t.Fatalf("synthetic 503 carries %d body bytes, want none", len(b))
	}
	if n, _ := s.Count(context.Background(), testGens.Tiles); n != 0 {
		t.Fatal("a synthetic response was stored")
	}
}

func TestTileServedFromCacheWhenPresent(t *testing.T) {
	ft := &fakeTransport{}
	i, s := newInterceptor(t, ft, nil)
	url := "https://a.tile.example.org/12/2048/1362.png"

	s.Put(context.Background(), testGens.Tiles, &cachelayer.Entry{
		Key:    url,
		Status: 200,
		Header: http.Header{},
		Body:   []byte("tile bytes"),
	})
	ft.setDown(true)

	resp := get(t, i, url, "image")
	if got := bodyString(t, resp); got != "tile bytes" {
		t.Fatalf("body = %q, want the cached tile", got)
	}
}

func TestTileNetworkFillStoredForNextTime(t *testing.T) {
	ft := &fakeTransport{answers: map[string]string{
		"https://a.tile.example.org/5/1/2.png": "fresh tile",
	}}
	i, s := newInterceptor(t, ft, nil)
	url := "https://a.tile.example.org/5/1/2.png"

	resp := get(t, i, url, "image")
	if got := bodyString(t, resp); got != "fresh tile" {
		t.Fatalf("body = %q", got)
	}

	stored, err := s.Get(context.Background(), testGens.Tiles, url)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || string(stored.Body) != "fresh tile" {
		t.Fatal("tile response was not written back to the tile cache")
	}
}

func TestAPIImagePlaceholderChain(t *testing.T) {
	ft := &fakeTransport{answers: map[string]string{
		"https://app.example/images/favicon.png": "fallback icon",
	}}
	// Only the second placeholder of the chain is installed.
	i, _ := newInterceptor(t, ft, []string{"/images/favicon.png"})
	if err := i.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	ft.setDown(true)

	resp := get(t, i, "https://story-api.example.dev/images/photo-9.jpg", "image")
	if got := bodyString(t, resp); got != "fallback icon" {
		t.Fatalf("body = %q, want the second placeholder in the chain", got)
	}
}

func TestAPIImageNoPlaceholderSynthesizes404(t *testing.T) {
	ft := &fakeTransport{down: true}
	i, _ := newInterceptor(t, ft, nil)

	resp := get(t, i, "https://story-api.example.dev/images/photo-9.jpg", "image")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want synthesized 404 rather than an error", resp.StatusCode)
	}
}

func TestAPIImageStoredOn200(t *testing.T) {
	ft := &fakeTransport{}
	i, _ := newInterceptor(t, ft, nil)
	url := "https://story-api.example.dev/images/photo-1.jpg"

	resp := get(t, i, url, "image")
	resp.Body.Close()

	ft.setDown(true)

	resp = get(t, i, url, "image")
	if got := bodyString(t, resp); got != "content of /images/photo-1.jpg" {
		t.Fatalf("body = %q, want the cached image after the network went away", got)
	}
}

func TestOversizeResponsePassesThroughUncached(t *testing.T) {
	big := strings.Repeat("x", (10<<20)+512)
	ft := &fakeTransport{answers: map[string]string{
		"https://app.example/archive.bin": big,
	}}
	i, s := newInterceptor(t, ft, nil)

	resp := get(t, i, "https://app.example/archive.bin", "empty")
	got := bodyString(t, resp)
	if len(got) != len(big) {
		t.Fatalf("received %d of %d bytes — a body beyond the cache limit must stream through intact", len(got), len(big))
	}
	if got != big {
		t.Fatal("body bytes altered in transit")
	}
	if n, _ := s.Count(context.Background(), testGens.Static); n != 0 {
		t.Fatal("a body beyond the cache limit was stored")
	}
}

func TestActivateSweepsOldGenerations(t *testing.T) {
	ft := &fakeTransport{}
	i, s := newInterceptor(t, ft, nil)
	ctx := context.Background()

	s.Put(ctx, "static-v0", &cachelayer.Entry{Key: "https://app.example/old", Status: 200, Header: http.Header{}, Body: []byte("old")})

	if err := i.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx, "static-v0"); n != 0 {
		t.Fatal("superseded generation survived activation")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTileCacheHitRefreshesInBackground(t *testing.T) {
	ft := &fakeTransport{answers: map[string]string{
		"https://a.tile.example.org/7/3/4.png": "newer tile",
	}}
	i, s := newInterceptor(t, ft, nil)
	url := "https://a.tile.example.org/7/3/4.png"
	ctx := context.Background()

	s.Put(ctx, testGens.Tiles, &cachelayer.Entry{Key: url, Status: 200, Header: http.Header{}, Body: []byte("stale tile")})

	resp := get(t, i, url, "image")
	if got := bodyString(t, resp); got != "stale tile" {
		t.Fatalf("body = %q, want the cached copy served immediately", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		e, _ := s.Get(ctx, testGens.Tiles, url)
		return e != nil && string(e.Body) == "newer tile"
	})
}
