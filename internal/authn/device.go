package authn

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/inkwell-labs/notesync/internal/apierr"
)

const (
	ctxUserID   ctxKey = "authn.userID"
	ctxDeviceID ctxKey = "authn.deviceID"
)

// DeviceIDHeader is both the request header clients send their device id on
// and the response header the adopted id is echoed back on.
const DeviceIDHeader = "X-Device-Id"

// UserID extracts the internal user id attached by Gate.Middleware.
func UserID(ctx context.Context) string {
	if v := ctx.Value(ctxUserID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// DeviceID extracts the adopted device id attached by Gate.Middleware.
func DeviceID(ctx context.Context) string {
	if v := ctx.Value(ctxDeviceID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Gate implements the identity & device gate described for every route
// except the event-stream handshake, which authenticates via a stream
// ticket cookie instead (see the streamticket package).
type Gate struct {
	DB       *pgxpool.Pool
	Verifier *Verifier
}

func NewGate(db *pgxpool.Pool, v *Verifier) *Gate {
	return &Gate{DB: db, Verifier: v}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := g.Verifier.ResolveSubject(r)
		if err != nil {
			writeGateError(w, apierr.AuthRequired())
			return
		}

		ctx := r.Context()
		userID, err := upsertUser(ctx, g.DB, sub)
		if err != nil {
			log.Error().Err(err).Msg("failed to upsert user on auth")
			writeGateError(w, apierr.Internal("failed to upsert user", err))
			return
		}

		deviceID := adoptDeviceID(r.Header.Get(DeviceIDHeader))
		label := deriveLabel(r.UserAgent())
		platform := r.Header.Get("X-Device-Platform")

		revoked, err := upsertDevice(ctx, g.DB, userID, deviceID, label, platform)
		if err != nil {
			log.Error().Err(err).Msg("failed to upsert device")
			writeGateError(w, apierr.Internal("failed to upsert device", err))
			return
		}
		if revoked {
			writeGateError(w, apierr.DeviceRevoked())
			return
		}

		ctx = withExternalID(ctx, sub)
		ctx = context.WithValue(ctx, ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxDeviceID, deviceID)

		w.Header().Set(DeviceIDHeader, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adoptDeviceID(raw string) string {
	if raw == "" {
		return uuid.NewString()
	}
	if _, err := uuid.Parse(raw); err != nil {
		return uuid.NewString()
	}
	return raw
}

// deriveLabel produces a coarse platform label from the user-agent header,
// used only as a human-readable default. The X-Device-Platform header fills
// the separate platform column; it does not replace this label.
func deriveLabel(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		return "iOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "mac os"):
		return "macOS"
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}

// ResolveUserID maps an already-verified external identity to its internal
// user id, inserting the User row on first sight. Used by the SSE handshake,
// which authenticates via stream ticket rather than the Gate middleware.
func ResolveUserID(ctx context.Context, db *pgxpool.Pool, externalID string) (string, error) {
	return upsertUser(ctx, db, externalID)
}

func upsertUser(ctx context.Context, db *pgxpool.Pool, externalID string) (string, error) {
	var id string
	err := db.QueryRow(ctx, `
		INSERT INTO app_user (external_id) VALUES ($1)
		ON CONFLICT (external_id) DO UPDATE SET
			updated_at = CASE
				WHEN app_user.updated_at < now() - interval '1 minute' THEN now()
				ELSE app_user.updated_at
			END
		RETURNING id
	`, externalID).Scan(&id)
	return id, err
}

func upsertDevice(ctx context.Context, db *pgxpool.Pool, userID, deviceID, label, platform string) (revoked bool, err error) {
	var revokedAt *time.Time
	err = db.QueryRow(ctx, `
		INSERT INTO device (id, user_id, label, platform, last_seen_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, id) DO UPDATE SET last_seen_at = now()
		RETURNING revoked_at
	`, deviceID, userID, label, platform).Scan(&revokedAt)
	if err != nil {
		return false, err
	}
	return revokedAt != nil, nil
}

func writeGateError(w http.ResponseWriter, e *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(struct {
		Error *apierr.Error `json:"error"`
	}{Error: e})
}

// DeviceInfo is one device session as listed by ListDevices.
type DeviceInfo struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Platform   string     `json:"platform"`
	LastSeenAt time.Time  `json:"lastSeenAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ListDevices returns a user's devices ordered by last-seen descending.
func ListDevices(ctx context.Context, db *pgxpool.Pool, userID string) ([]DeviceInfo, error) {
	rows, err := db.Query(ctx, `
		SELECT id, label, platform, last_seen_at, revoked_at, created_at
		FROM device WHERE user_id = $1
		ORDER BY last_seen_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceInfo
	for rows.Next() {
		var d DeviceInfo
		var label, platform *string
		if err := rows.Scan(&d.ID, &label, &platform, &d.LastSeenAt, &d.RevokedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		if label != nil {
			d.Label = *label
		}
		if platform != nil {
			d.Platform = *platform
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RevokeDevice sets revokedAt iff the device exists and is not already
// revoked. Returns whether a row changed.
func RevokeDevice(ctx context.Context, db *pgxpool.Pool, userID, deviceID string) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE device SET revoked_at = now()
		WHERE user_id = $1 AND id = $2 AND revoked_at IS NULL
	`, userID, deviceID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
