package changelog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyTTL is the default lifetime of a stored idempotency response.
const IdempotencyTTL = 24 * time.Hour

// readIdempotency looks up a stored response for (userID, requestID).
// Expired entries are treated as absent; active expiry is enforced here
// rather than relying solely on maintenance pruning.
func readIdempotency(ctx context.Context, db *pgxpool.Pool, userID, requestID string) (Result, bool, error) {
	var response []byte
	var expiresAt time.Time
	err := db.QueryRow(ctx, `
		SELECT response, expires_at FROM idempotency_key WHERE user_id = $1 AND request_id = $2
	`, userID, requestID).Scan(&response, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	if time.Now().After(expiresAt) {
		return Result{}, false, nil
	}
	var r Result
	if err := json.Unmarshal(response, &r); err != nil {
		return Result{}, false, err
	}
	return r, true, nil
}

// writeIdempotency stores the response in the same transaction as the
// Change row insert. A conflicting row (concurrent duplicate commit) is
// left untouched — the response it holds is authoritative.
func writeIdempotency(ctx context.Context, tx pgx.Tx, userID, requestID string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_key (user_id, request_id, kind, response, expires_at)
		VALUES ($1, $2, $3, $4, now() + interval '24 hours')
		ON CONFLICT (user_id, request_id) DO NOTHING
	`, userID, requestID, result.Kind, payload)
	return err
}
