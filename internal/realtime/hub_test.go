package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-labs/notesync/internal/db"
)

func TestHub_SubscribeAndUnsubscribe_LocalBroadcastOnly(t *testing.T) {
	hub := NewHub(nil)

	received := make(chan SyncEvent, 1)
	unsubscribe := hub.Subscribe(func(evt SyncEvent) { received <- evt })

	hub.localBroadcast(SyncEvent{UserID: "u1", Cursor: 1, Type: "sync"})

	select {
	case evt := <-received:
		if evt.UserID != "u1" || evt.Cursor != 1 {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected to receive broadcast event")
	}

	unsubscribe()
	hub.localBroadcast(SyncEvent{UserID: "u1", Cursor: 2, Type: "sync"})
	select {
	case evt := <-received:
		t.Fatalf("expected no event after unsubscribe, got %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_Status_StartsDegradedUntilInitialized(t *testing.T) {
	hub := NewHub(nil)
	status := hub.Status()
	if status.DistributedFanoutAvailable {
		t.Fatalf("expected a fresh hub to report distributed fan-out unavailable")
	}
}

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}
	pool, err := db.Open(context.Background(), dbURL, db.PoolConfig{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return pool
}

func TestHub_DistributedPublishReachesLocalSubscriber(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	hub := NewHub(pool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	// Give the subscriber goroutine a moment to establish LISTEN.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Status().DistributedFanoutAvailable {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !hub.Status().DistributedFanoutAvailable {
		t.Fatalf("expected distributed fan-out to become available")
	}

	received := make(chan SyncEvent, 1)
	unsubscribe := hub.Subscribe(func(evt SyncEvent) {
		select {
		case received <- evt:
		default:
		}
	})
	defer unsubscribe()

	hub.PublishSyncEvent(ctx, SyncEvent{UserID: "u1", Cursor: 42, Type: "sync"})

	select {
	case evt := <-received:
		if evt.Cursor != 42 {
			t.Fatalf("expected cursor 42, got %d", evt.Cursor)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected to receive a published sync event")
	}
}
