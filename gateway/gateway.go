// Package gateway is the single adapter to the remote story service.
// Two operations exist: create a story and list stories. Non-2xx responses
// are translated into *APIError — callers above the gateway never see raw
// HTTP status handling.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/storysync/connectivity"
	"github.com/hazyhaar/storysync/story"
)

// maxResponseBody caps the amount of response data read from the remote
// service to prevent memory exhaustion (10 MiB).
const maxResponseBody int64 = 10 << 20

// ClientIDHeader carries the client-generated submission ID so the server
// can deduplicate a replayed submission after a partial success (accepted
// server-side, response lost client-side).
const ClientIDHeader = "X-Client-Id"

// NewStory is a story submission, before the remote service has assigned
// an identity. ClientID is set for queued submissions and transmitted as
// an idempotency key; it is empty for direct online submissions.
type NewStory struct {
	ClientID    string
	Name        string
	Description string
	Lat         *float64
	Lon         *float64
	Photo       []byte
	PhotoName   string
}

// Client talks to the remote story service.
type Client struct {
	base    string
	http    *http.Client
	breaker *connectivity.CircuitBreaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient sets the HTTP client. Pass a client whose transport is
// the cache interceptor so reads participate in the caching policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker guards calls with a circuit breaker. When the breaker is
// open, calls fail fast with *ErrCircuitOpen instead of hitting a remote
// that is known to be down.
func WithBreaker(cb *connectivity.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// New creates a Client for the service at base (e.g.
// "https://story-api.example.dev/v1").
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// apiEnvelope is the wire shape shared by both operations.
type apiEnvelope struct {
	Error     bool        `json:"error"`
	Message   string      `json:"message"`
	Story     *wireStory  `json:"story"`
	ListStory []wireStory `json:"listStory"`
}

type wireStory struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Lat         *float64  `json:"lat"`
	Lon         *float64  `json:"lon"`
	PhotoURL    string    `json:"photoUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (w wireStory) record() story.Record {
	return story.Record{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Lat:         w.Lat,
		Lon:         w.Lon,
		PhotoURL:    w.PhotoURL,
		CreatedAt:   w.CreatedAt,
	}
}

// CreateStory uploads a new story as a multipart form with the photo
// attached. On success it returns the record as the server sees it,
// including the server-assigned ID and photo URL.
func (c *Client) CreateStory(ctx context.Context, s NewStory, token string) (*story.Record, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, &ErrCircuitOpen{Op: "create story"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := writeStoryForm(w, s); err != nil {
		return nil, fmt.Errorf("gateway: encode form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/stories", &buf)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	if s.ClientID != "" {
		req.Header.Set(ClientIDHeader, s.ClientID)
	}

	env, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if env.Story == nil {
		return nil, fmt.Errorf("gateway: create story: response carries no story")
	}
	rec := env.Story.record()
	return &rec, nil
}

// ListStories fetches the current story listing.
func (c *Client) ListStories(ctx context.Context, token string) ([]story.Record, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, &ErrCircuitOpen{Op: "list stories"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/stories", nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	env, err := c.do(req)
	if err != nil {
		return nil, err
	}

	out := make([]story.Record, 0, len(env.ListStory))
	for _, w := range env.ListStory {
		out = append(out, w.record())
	}
	return out, nil
}

// do runs the request and translates the response into the envelope shape.
// Transport failures and 5xx statuses count against the breaker; a 4xx
// means the remote is reachable and answering, which is a breaker success.
func (c *Client) do(req *http.Request) (*apiEnvelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordOutcome(false)
		return nil, fmt.Errorf("gateway: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.recordOutcome(false)
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}

	c.recordOutcome(resp.StatusCode < 500)

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Non-JSON error body; keep the status, drop the body.
			return nil, &APIError{Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("gateway: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Error {
		return nil, &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	return &env, nil
}

func (c *Client) recordOutcome(ok bool) {
	if c.breaker == nil {
		return
	}
	if ok {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
	}
}

func writeStoryForm(w *multipart.Writer, s NewStory) error {
	fields := map[string]string{
		"name":        s.Name,
		"description": s.Description,
	}
	if s.Lat != nil {
		fields["lat"] = strconv.FormatFloat(*s.Lat, 'f', -1, 64)
	}
	if s.Lon != nil {
		fields["lon"] = strconv.FormatFloat(*s.Lon, 'f', -1, 64)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}

	if len(s.Photo) > 0 {
		name := s.PhotoName
		if name == "" {
			name = "photo.jpg"
		}
		part, err := w.CreateFormFile("photo", name)
		if err != nil {
			return err
		}
		if _, err := part.Write(s.Photo); err != nil {
			return err
		}
	}

	return w.Close()
}
