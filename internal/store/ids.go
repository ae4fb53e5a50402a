package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
)

// Identifiers are random 63-bit integers rather than a sequence, so that
// ids are not enumerable. Collisions are resolved by redrawing against the
// owning table inside the caller's transaction; running out of retries is an
// operational anomaly, not a normal outcome.
const idRetryCount = 20

var ErrIDExhausted = errors.New("id generation exhausted retries")

// Querier is the read surface both *sql.DB and *sql.Tx satisfy. Id minting
// always runs against the transaction performing the insert.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func generateID(ctx context.Context, q Querier, table string) (int64, error) {
	return generateUnique(ctx, q, table, "id")
}

func generateUnique(ctx context.Context, q Querier, table, column string) (int64, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1)`, table, column)
	id, err := mintUnique(func(candidate int64) (bool, error) {
		var exists bool
		if err := q.QueryRowContext(ctx, query, candidate).Scan(&exists); err != nil {
			return false, fmt.Errorf("check %s.%s collision: %w", table, column, err)
		}
		return exists, nil
	})
	if errors.Is(err, ErrIDExhausted) {
		return 0, fmt.Errorf("mint %s.%s: %w", table, column, ErrIDExhausted)
	}
	return id, err
}

// mintUnique draws candidates until taken reports a free one, giving up
// after idRetryCount draws.
func mintUnique(taken func(int64) (bool, error)) (int64, error) {
	for attempt := 0; attempt < idRetryCount; attempt++ {
		candidate := randomID()
		exists, err := taken(candidate)
		if err != nil {
			return 0, err
		}
		if !exists {
			return candidate, nil
		}
	}
	return 0, ErrIDExhausted
}

func randomID() int64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return int64(binary.BigEndian.Uint64(buf[:]) & (1<<63 - 1))
}
