package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"orderline/internal/seq"
)

// Operation type tags recorded with each log entry.
const (
	OpCreate   = "create"
	OpAssign   = "assign"
	OpComplete = "complete"
	OpAccept   = "accept"
	OpEdit     = "edit"
)

// Writer appends immutable log records. Entries are only ever
// inserted, always inside the caller's transaction, so a mutation and
// its log row commit or roll back together. The order_id foreign key
// aborts the transaction when the referenced order does not exist.
type Writer struct {
	DB  *sql.DB
	Seq seq.Generator
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append inserts one log record describing a mutating action.
// Log ids look like LOG-20250115-143201-003; the sequence is scoped to
// the day, not the second.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, orderID, opType, content, operatorID string) error {
	ts := w.now()
	n, err := w.Seq.ReserveTx(ctx, tx, "LOG", 1)
	if err != nil {
		return err
	}
	logID := fmt.Sprintf("LOG-%s-%s-%03d", ts.Format("20060102"), ts.Format("150405"), n)
	_, err = tx.ExecContext(ctx, `INSERT INTO work_order_logs(log_id,order_id,operation_type,content,operator_id,operate_time) VALUES (?,?,?,?,?,?)`,
		logID, orderID, opType, content, operatorID, ts.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("append log record: %w", err)
	}
	return nil
}
