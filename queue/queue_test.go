package queue_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/storysync/dbopen"
	"github.com/hazyhaar/storysync/queue"
	"github.com/hazyhaar/storysync/story"

	_ "modernc.org/sqlite"
)

func openQueue(t *testing.T, opts ...queue.Option) *queue.Q {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(queue.Schema))
	return queue.New(db, opts...)
}

func TestEnqueueAssignsPrefixedID(t *testing.T) {
	q := openQueue(t)

	id, err := q.Enqueue(context.Background(), story.Record{Name: "Dina", Description: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "sub_") {
		t.Fatalf("id = %q, want a sub_ prefix", id)
	}
}

func TestEnqueueKeepsExistingID(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, story.Record{ID: "sub_fixed", Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "sub_fixed" {
		t.Fatalf("id = %q, want the caller's id kept", id)
	}

	// Re-queueing under the same ID replaces the payload, never duplicates.
	if _, err := q.Enqueue(ctx, story.Record{ID: "sub_fixed", Name: "b"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len = %d after re-enqueue, want 1", n)
	}
	pending, _ := q.Pending(ctx, time.Now())
	if pending[0].Record.Name != "b" {
		t.Fatalf("payload = %q, want the later write", pending[0].Record.Name)
	}
}

func TestPendingFIFO(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	base := time.UnixMilli(1700000000000)
	for i, id := range []string{"sub_first", "sub_second", "sub_third"} {
		rec := story.Record{ID: id, Name: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if _, err := q.Enqueue(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := q.Pending(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"sub_first", "sub_second", "sub_third"}
	if len(pending) != len(want) {
		t.Fatalf("len = %d, want %d", len(pending), len(want))
	}
	for i, w := range want {
		if pending[i].ID != w {
			t.Fatalf("position %d = %s, want %s — replay must be oldest first", i, pending[i].ID, w)
		}
	}
}

func TestAckRemoves(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, story.Record{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d after ack, want 0", n)
	}
}

func TestDeferHidesUntilDue(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, story.Record{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	until := now.Add(5 * time.Minute)
	if err := q.Defer(ctx, id, until); err != nil {
		t.Fatal(err)
	}

	pending, _ := q.Pending(ctx, now)
	if len(pending) != 0 {
		t.Fatal("deferred entry still visible before its time")
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatal("deferred entry must stay queued")
	}

	pending, _ = q.Pending(ctx, until.Add(time.Second))
	if len(pending) != 1 {
		t.Fatal("entry not visible after its deferral passed")
	}
	if pending[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", pending[0].Attempts)
	}
}

func TestPendingSkipsUndecodableRows(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(queue.Schema))
	q := queue.New(db)
	ctx := context.Background()

	if _, err := db.Exec(
		`INSERT INTO story_queue (id, payload, created_at) VALUES ('sub_bad', 'A{not json', 1)`,
	); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, story.Record{ID: "sub_ok", Name: "x"}); err != nil {
		t.Fatal(err)
	}

	pending, err := q.Pending(ctx, time.Now())
	if err != nil {
		t.Fatalf("a corrupt row must not fail the enumeration: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "sub_ok" {
		t.Fatalf("pending = %+v, want only the decodable entry", pending)
	}
}

func TestDeferMissingEntry(t *testing.T) {
	q := openQueue(t)
	err := q.Defer(context.Background(), "sub_gone", time.Now())
	if !errors.Is(err, queue.ErrNotQueued) {
		t.Fatalf("err = %v, want ErrNotQueued", err)
	}
}

func TestRecordSurvivesRoundTrip(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	lat, lon := -6.2, 106.8
	rec := story.Record{
		Name:        "Dina",
		Description: "harbour at dusk",
		Lat:         &lat,
		Lon:         &lon,
		PhotoBlob:   []byte{1, 2, 3},
	}
	id, err := q.Enqueue(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}

	pending, err := q.Pending(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	got := pending[0].Record
	if got.ID != id || got.Description != rec.Description {
		t.Fatalf("got %+v", got)
	}
	if got.Lat == nil || *got.Lat != lat || got.Lon == nil || *got.Lon != lon {
		t.Fatal("coordinates lost in the queue payload")
	}
	if len(got.PhotoBlob) != 3 {
		t.Fatal("photo bytes lost in the queue payload")
	}
}

func TestPurge(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	for range 3 {
		if _, err := q.Enqueue(ctx, story.Record{Name: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d after purge, want 0", n)
	}
}
