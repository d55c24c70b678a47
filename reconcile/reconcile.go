// Package reconcile owns the write path of the sync core. At submit time
// it decides once, from the current connectivity signal, between an
// immediate remote attempt and the offline queue; on every reconnect it
// replays the queue against the remote service in FIFO order.
//
// A replay failure leaves the submission queued, never drops it. A replay
// success deletes the queue entry and swaps the provisional local record
// for the one the server assigned.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/storysync/connectivity"
	"github.com/hazyhaar/storysync/gateway"
	"github.com/hazyhaar/storysync/queue"
	"github.com/hazyhaar/storysync/store"
	"github.com/hazyhaar/storysync/story"
)

// Gateway is the remote service contract the reconciler replays against.
// Satisfied by *gateway.Client.
type Gateway interface {
	CreateStory(ctx context.Context, s gateway.NewStory, token string) (*story.Record, error)
	ListStories(ctx context.Context, token string) ([]story.Record, error)
}

// Signal is the connectivity source. Satisfied by *connectivity.Monitor.
type Signal interface {
	Online() bool
	Subscribe() <-chan connectivity.State
}

// TokenSource supplies the bearer token for background replays. Token
// storage belongs to the presentation glue, not to the core.
type TokenSource func() string

// MetricSink receives counter datapoints. Implemented by obs.Recorder.
type MetricSink interface {
	Record(name string, value float64)
}

// Listing is the read-path result: the records plus a staleness flag set
// when they came from the local store instead of the remote service.
type Listing struct {
	Stories   []story.Record `json:"listStory"`
	FromCache bool           `json:"fromCache"`
}

// Reconciler drives submissions through the queue and the gateway.
type Reconciler struct {
	queue   *queue.Q
	store   *store.Store
	gw      Gateway
	signal  Signal
	token   TokenSource
	backoff Backoff
	logger  *slog.Logger
	metrics MetricSink
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithBackoff sets the retry policy. Default: DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(r *Reconciler) { r.backoff = b }
}

// WithMetrics wires a metric sink for replay counters.
func WithMetrics(m MetricSink) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a Reconciler.
func New(q *queue.Q, st *store.Store, gw Gateway, sig Signal, token TokenSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:   q,
		store:   st,
		gw:      gw,
		signal:  sig,
		token:   token,
		backoff: DefaultBackoff(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Submit handles a new story. The online/offline decision is made once,
// here, from the current signal: online submissions go straight to the
// gateway and an in-flight failure is reported to the caller, not queued;
// offline submissions are queued and mirrored into the local store under
// their client ID.
//
// The returned record is the server's on an online success, or the
// provisional local record (queued=true) on an offline submit.
func (r *Reconciler) Submit(ctx context.Context, s gateway.NewStory, token string) (rec story.Record, queued bool, err error) {
	local := story.Record{
		ID:          s.ClientID,
		Name:        s.Name,
		Description: s.Description,
		Lat:         s.Lat,
		Lon:         s.Lon,
		PhotoBlob:   s.Photo,
		CreatedAt:   time.Now(),
	}.Sanitized()
	s.Name, s.Description = local.Name, local.Description

	if r.signal.Online() {
		remote, err := r.gw.CreateStory(ctx, s, token)
		if err != nil {
			return story.Record{}, false, err
		}
		if err := r.store.Put(ctx, *remote); err != nil {
			// Persistence is best-effort on the online path; the server
			// has the record either way.
			r.logger.Warn("reconcile: local copy not stored", "id", remote.ID, "error", err)
		}
		return *remote, false, nil
	}

	id, err := r.queue.Enqueue(ctx, local)
	if err != nil {
		return story.Record{}, false, err
	}
	local.ID = id
	if err := r.store.Put(ctx, local); err != nil {
		r.logger.Warn("reconcile: provisional record not stored", "id", id, "error", err)
	}
	return local, true, nil
}

// Stories is the read path. Online reads come from the gateway; a gateway
// failure or an offline state falls back to the local store with the
// FromCache flag set.
func (r *Reconciler) Stories(ctx context.Context, token string) (Listing, error) {
	if r.signal.Online() {
		recs, err := r.gw.ListStories(ctx, token)
		if err == nil {
			return Listing{Stories: recs}, nil
		}
		r.logger.Warn("reconcile: remote listing failed, falling back to store", "error", err)
	}

	recs, err := r.store.GetAll(ctx)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Stories: recs, FromCache: true}, nil
}

// Run subscribes to connectivity transitions and drains the queue on every
// offline→online transition. It blocks until ctx is cancelled; run it in a
// goroutine:
//
//	go reconciler.Run(ctx)
func (r *Reconciler) Run(ctx context.Context) {
	events := r.signal.Subscribe()
	r.logger.Info("reconciler started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case st := <-events:
			if st != connectivity.Online {
				continue
			}
			synced, failed, err := r.Drain(ctx)
			if err != nil {
				r.logger.Error("reconcile: drain aborted", "error", err)
				continue
			}
			if synced+failed > 0 {
				r.logger.Info("reconcile: drain complete", "synced", synced, "failed", failed)
			}
		}
	}
}

// Drain replays every due submission sequentially, oldest first. Success
// acks the entry and replaces the provisional store record with the
// server's; failure defers the entry per the backoff policy and moves on.
// Drain returns an error only when the queue itself cannot be read.
func (r *Reconciler) Drain(ctx context.Context) (synced, failed int, err error) {
	pending, err := r.queue.Pending(ctx, time.Now())
	if err != nil {
		return 0, 0, err
	}

	token := ""
	if r.token != nil {
		token = r.token()
	}

	for _, sub := range pending {
		if err := ctx.Err(); err != nil {
			return synced, failed, err
		}
		if r.replay(ctx, sub, token) {
			synced++
		} else {
			failed++
		}
	}
	return synced, failed, nil
}

func (r *Reconciler) replay(ctx context.Context, sub queue.Submission, token string) bool {
	remote, err := r.gw.CreateStory(ctx, newStoryFrom(sub), token)
	if err != nil {
		r.count("reconcile.failure")
		attempts := sub.Attempts + 1

		if r.backoff.Exhausted(attempts) {
			r.logger.Warn("reconcile: submission exhausted retries, discarding",
				"id", sub.ID, "attempts", attempts)
			if ackErr := r.queue.Ack(ctx, sub.ID); ackErr != nil {
				r.logger.Error("reconcile: discard failed", "id", sub.ID, "error", ackErr)
			}
			return false
		}

		until := time.Now().Add(r.backoff.Next(attempts))
		if defErr := r.queue.Defer(ctx, sub.ID, until); defErr != nil && !errors.Is(defErr, queue.ErrNotQueued) {
			r.logger.Error("reconcile: defer failed", "id", sub.ID, "error", defErr)
		}
		r.logger.Warn("reconcile: replay failed, submission stays queued",
			"id", sub.ID, "attempts", attempts, "error", err)
		return false
	}

	r.count("reconcile.success")
	if err := r.queue.Ack(ctx, sub.ID); err != nil {
		// The submission will be replayed again; the client ID lets the
		// server deduplicate it.
		r.logger.Error("reconcile: ack failed", "id", sub.ID, "error", err)
	}
	if err := r.store.Delete(ctx, sub.ID); err != nil {
		r.logger.Warn("reconcile: provisional record not removed", "id", sub.ID, "error", err)
	}
	if err := r.store.Put(ctx, *remote); err != nil {
		r.logger.Warn("reconcile: synced record not stored", "id", remote.ID, "error", err)
	}
	r.logger.Info("reconcile: submission synced", "client_id", sub.ID, "server_id", remote.ID)
	return true
}

func (r *Reconciler) count(name string) {
	if r.metrics != nil {
		r.metrics.Record(name, 1)
	}
}

func newStoryFrom(sub queue.Submission) gateway.NewStory {
	rec := sub.Record
	return gateway.NewStory{
		ClientID:    sub.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Lat:         rec.Lat,
		Lon:         rec.Lon,
		Photo:       rec.PhotoBlob,
		PhotoName:   "photo.jpg",
	}
}
