package streamticket

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memoryReplayStore struct {
	seen map[string]bool
	err  error
}

func (m *memoryReplayStore) Create(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen[jti] {
		return false, nil
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	m.seen[jti] = true
	return true, nil
}

func TestConsumer_AcceptsFreshTicketOnce(t *testing.T) {
	minter := NewMinter("test-secret-at-least-16-bytes", time.Minute)
	ticket, _, err := minter.Mint("user-1", "device-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	consumer := NewConsumer("test-secret-at-least-16-bytes", &memoryReplayStore{}, true)

	if _, apiErr := consumer.Consume(context.Background(), ticket); apiErr != nil {
		t.Fatalf("expected first consume to succeed, got %v", apiErr)
	}

	_, apiErr := consumer.Consume(context.Background(), ticket)
	if apiErr == nil || apiErr.Code != "STREAM_TICKET_REPLAYED" {
		t.Fatalf("expected STREAM_TICKET_REPLAYED on reuse, got %+v", apiErr)
	}
}

func TestConsumer_StrictModeFailsClosedOnStorageError(t *testing.T) {
	minter := NewMinter("test-secret-at-least-16-bytes", time.Minute)
	ticket, _, err := minter.Mint("user-1", "device-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	store := &memoryReplayStore{err: errors.New("connection refused")}
	consumer := NewConsumer("test-secret-at-least-16-bytes", store, true)

	_, apiErr := consumer.Consume(context.Background(), ticket)
	if apiErr == nil || apiErr.Code != "STREAM_TICKET_STORAGE_UNAVAILABLE" {
		t.Fatalf("expected STREAM_TICKET_STORAGE_UNAVAILABLE in strict mode, got %+v", apiErr)
	}
}

func TestConsumer_BestEffortModeFailsOpenOnStorageError(t *testing.T) {
	minter := NewMinter("test-secret-at-least-16-bytes", time.Minute)
	ticket, _, err := minter.Mint("user-1", "device-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	store := &memoryReplayStore{err: errors.New("connection refused")}
	consumer := NewConsumer("test-secret-at-least-16-bytes", store, false)

	_, apiErr := consumer.Consume(context.Background(), ticket)
	if apiErr != nil {
		t.Fatalf("expected best-effort mode to fail open, got %+v", apiErr)
	}
}

func TestConsumer_RejectsMissingTicket(t *testing.T) {
	consumer := NewConsumer("test-secret-at-least-16-bytes", &memoryReplayStore{}, true)
	_, apiErr := consumer.Consume(context.Background(), "")
	if apiErr == nil || apiErr.Code != "STREAM_TICKET_REQUIRED" {
		t.Fatalf("expected STREAM_TICKET_REQUIRED, got %+v", apiErr)
	}
}
