package authn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-labs/notesync/internal/db"
	"github.com/inkwell-labs/notesync/internal/db/migrations"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL, db.PoolConfig{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	for _, tbl := range []string{"device", "app_user"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+tbl); err != nil {
			t.Fatalf("clean %s: %v", tbl, err)
		}
	}
	return pool
}

func TestGate_DevModeDebugSubCreatesUserAndDevice(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	gate := NewGate(pool, NewVerifier(Config{DevMode: true}))

	var capturedUserID, capturedDeviceID string
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = UserID(r.Context())
		capturedDeviceID = DeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v2/notes", nil)
	req.Header.Set("X-Debug-Sub", "user-external-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if capturedUserID == "" {
		t.Fatalf("expected a resolved user id")
	}
	if capturedDeviceID == "" {
		t.Fatalf("expected a minted device id")
	}
	if echoed := rec.Header().Get(DeviceIDHeader); echoed != capturedDeviceID {
		t.Fatalf("expected echoed device id header %q, got %q", capturedDeviceID, echoed)
	}
}

func TestGate_RevokedDeviceRejected(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	ctx := context.Background()
	gate := NewGate(pool, NewVerifier(Config{DevMode: true}))
	deviceID := uuid.NewString()

	first := httptest.NewRequest(http.MethodGet, "/api/v2/notes", nil)
	first.Header.Set("X-Debug-Sub", "user-external-2")
	first.Header.Set(DeviceIDHeader, deviceID)
	var userID string
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID = UserID(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), first)

	if _, err := RevokeDevice(ctx, pool, userID, deviceID); err != nil {
		t.Fatalf("revoke device: %v", err)
	}

	second := httptest.NewRequest(http.MethodGet, "/api/v2/notes", nil)
	second.Header.Set("X-Debug-Sub", "user-external-2")
	second.Header.Set(DeviceIDHeader, deviceID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, second)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for revoked device, got %d", rec.Code)
	}
}

func TestGate_MissingCredentialRejected(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	gate := NewGate(pool, NewVerifier(Config{}))
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached without a credential")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v2/notes", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListAndRevokeDevices(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	var userID string
	if err := pool.QueryRow(ctx, `INSERT INTO app_user (external_id) VALUES ($1) RETURNING id`, uuid.NewString()).Scan(&userID); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	deviceID := uuid.NewString()
	if _, err := upsertDevice(ctx, pool, userID, deviceID, "iOS", "ios"); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	devices, err := ListDevices(ctx, pool, userID)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != deviceID {
		t.Fatalf("expected one device %q, got %+v", deviceID, devices)
	}

	changed, err := RevokeDevice(ctx, pool, userID, deviceID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !changed {
		t.Fatalf("expected revoke to report a change")
	}

	changed, err = RevokeDevice(ctx, pool, userID, deviceID)
	if err != nil {
		t.Fatalf("revoke again: %v", err)
	}
	if changed {
		t.Fatalf("expected second revoke to be a no-op")
	}
}
