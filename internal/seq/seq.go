// Package seq issues the date-scoped human-readable identifiers used
// for work orders (WO-), spare consumptions (CS-) and log entries
// (LOG-). Downstream reports key off the exact format, so sequence
// numbers stay day-local and zero-padded to three digits.
package seq

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Generator struct {
	DB  *sql.DB
	Now func() time.Time
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Day returns the current date scope (YYYYMMDD).
func (g Generator) Day() string {
	return g.now().Format("20060102")
}

// Format renders PREFIX-YYYYMMDD-NNN.
func Format(prefix, day string, n int) string {
	return fmt.Sprintf("%s-%s-%03d", prefix, day, n)
}

// ReserveTx reserves n consecutive sequence numbers for the prefix on
// the current day and returns the first. The reservation is a single
// atomic counter bump, so concurrent batches cannot collide.
func (g Generator) ReserveTx(ctx context.Context, tx *sql.Tx, prefix string, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("reserve %d ids for prefix %s", n, prefix)
	}
	day := g.Day()
	var last int
	err := tx.QueryRowContext(ctx, `INSERT INTO id_sequences(prefix,day,value) VALUES (?,?,?)
ON CONFLICT(prefix,day) DO UPDATE SET value=value+excluded.value RETURNING value`, prefix, day, n).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reserve sequence %s-%s: %w", prefix, day, err)
	}
	return last - n + 1, nil
}

// NextTx reserves a single sequence number and returns the formatted id.
func (g Generator) NextTx(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	n, err := g.ReserveTx(ctx, tx, prefix, 1)
	if err != nil {
		return "", err
	}
	return Format(prefix, g.Day(), n), nil
}

// Peek returns the id the next reservation would produce, without
// reserving it. When the store is unreachable it falls back to the
// day's first sequence number, best effort.
func (g Generator) Peek(ctx context.Context, prefix string) string {
	day := g.Day()
	if g.DB == nil {
		return Format(prefix, day, 1)
	}
	var value int
	err := g.DB.QueryRowContext(ctx, `SELECT value FROM id_sequences WHERE prefix=? AND day=?`, prefix, day).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return Format(prefix, day, 1)
	}
	return Format(prefix, day, value+1)
}
