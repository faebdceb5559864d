package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, 30*time.Second, ""), mr
}

func TestEnqueueImmediateIsReady(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "d1", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("ready depth = %d (%v), want 1", depth, err)
	}
}

func TestEnqueueFutureIsScheduled(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "d1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("future dispatch landed in ready, depth = %d", depth)
	}
	if !mr.Exists("dispatch:scheduled") {
		t.Fatal("scheduled set is empty")
	}
}

func TestPromoteScheduled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	q.Enqueue(ctx, "due", now.Add(time.Minute))
	q.Enqueue(ctx, "later", now.Add(time.Hour))

	n, err := q.PromoteScheduled(ctx, now.Add(2*time.Minute), 100)
	if err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "due" {
		t.Fatalf("dequeued %q (%v), want due", id, err)
	}
	// The later dispatch stays scheduled.
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("ready depth = %d after promoting the only due entry", depth)
	}
}

func TestDequeueLeaseAndAck(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "d1", time.Now().Add(-time.Second))
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "d1" {
		t.Fatalf("dequeue = %q (%v), want d1", id, err)
	}
	if !mr.Exists("dispatch:inflight") {
		t.Fatal("lease not recorded in inflight set")
	}

	// Empty queue yields no id and no error.
	if id, err := q.DequeueWithLease(ctx); err != nil || id != "" {
		t.Fatalf("empty dequeue = %q (%v)", id, err)
	}

	if err := q.Ack(ctx, "d1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if mr.Exists("dispatch:inflight") {
		t.Fatal("ack left the lease behind")
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "d1", time.Now().Add(-time.Second))
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatal(err)
	}

	// Before the visibility timeout nothing is reclaimable.
	ids, err := q.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed %v before lease expiry", ids)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("reclaimed = %v, want [d1]", ids)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("ready depth = %d after requeue, want 1", depth)
	}
}

func TestDLQPushAndPeek(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.DLQPush(ctx, id); err != nil {
			t.Fatalf("DLQPush: %v", err)
		}
	}
	ids, err := q.DLQPeek(ctx, 2)
	if err != nil {
		t.Fatalf("DLQPeek: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("peek = %v", ids)
	}
}
