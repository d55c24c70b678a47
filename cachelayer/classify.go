package cachelayer

import (
	"net/http"
	"strings"
)

// Category is the routing verdict for an intercepted request. Exactly one
// category applies to any request; Classify evaluates them in a fixed
// precedence order.
type Category int

const (
	// CategoryBypass: non-GET requests are never intercepted.
	CategoryBypass Category = iota
	// CategoryTile: map tiles from the external tile host. Cache-first
	// against the tile generation, synthetic 503 on total miss.
	CategoryTile
	// CategoryAPIImage: image requests to the remote story service.
	// Cache-first with a placeholder fallback chain.
	CategoryAPIImage
	// CategoryAPIData: data endpoints of the remote story service.
	// Never cached — freshness of domain data holds whenever online.
	CategoryAPIData
	// CategoryCrossOrigin: any other foreign origin. Pass-through.
	CategoryCrossOrigin
	// CategorySameOrigin: the application shell and its assets.
	// Cache-first with store-on-success fill.
	CategorySameOrigin
)

func (c Category) String() string {
	switch c {
	case CategoryBypass:
		return "bypass"
	case CategoryTile:
		return "tile"
	case CategoryAPIImage:
		return "api-image"
	case CategoryAPIData:
		return "api-data"
	case CategoryCrossOrigin:
		return "cross-origin"
	case CategorySameOrigin:
		return "same-origin"
	}
	return "unknown"
}

// Policy holds the host patterns that drive classification. The zero value
// classifies everything as bypass or cross-origin, which fails safe: no
// request is cached by accident.
type Policy struct {
	// Origin is the application's own origin, scheme://host[:port].
	Origin string
	// APIHost is a substring matched against the request host to identify
	// the remote story service.
	APIHost string
	// TileHost is a substring matched against the request host to identify
	// the external map tile provider.
	TileHost string
}

// Classify returns the category for a request. Pure function of the
// request line and headers; the interception handler applies the
// per-category policy separately.
func (p Policy) Classify(req *http.Request) Category {
	if req.Method != http.MethodGet {
		return CategoryBypass
	}

	host := req.URL.Host
	if p.TileHost != "" && strings.Contains(host, p.TileHost) {
		return CategoryTile
	}
	if p.APIHost != "" && strings.Contains(host, p.APIHost) {
		if destination(req) == "image" {
			return CategoryAPIImage
		}
		return CategoryAPIData
	}
	if !strings.EqualFold(req.URL.Scheme+"://"+host, p.Origin) {
		return CategoryCrossOrigin
	}
	return CategorySameOrigin
}

// destination is the request's declared destination (Sec-Fetch-Dest):
// "document" for navigations, "image" for image loads, etc. Absent for
// callers that do not declare one.
func destination(req *http.Request) string {
	return req.Header.Get("Sec-Fetch-Dest")
}

// isNavigation reports whether the request is a page navigation.
func isNavigation(req *http.Request) bool {
	return destination(req) == "document"
}
