package repo

import (
	"context"
	"database/sql"

	"orderline/internal/domain"
)

// Spare consumption rows are append-only; there is no update or delete.

func (r Repo) InsertConsumptionTx(ctx context.Context, tx *sql.Tx, c domain.SpareConsumption) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO spare_consumptions(consume_id,order_id,spare_id,quantity,consume_time,operator_id) VALUES (?,?,?,?,?,?)`,
		c.ConsumeID, c.OrderID, c.SpareID, c.Quantity, c.ConsumeTime, c.OperatorID)
	return err
}

func (r Repo) ListConsumptionsByOrder(ctx context.Context, orderID string) ([]domain.SpareConsumption, error) {
	return r.queryConsumptions(ctx, `SELECT consume_id,order_id,spare_id,quantity,consume_time,operator_id FROM spare_consumptions WHERE order_id=? ORDER BY consume_time DESC, consume_id DESC`, orderID)
}

// ListConsumptions returns consumption rows for every order visible to
// the scope, newest first.
func (r Repo) ListConsumptions(ctx context.Context, scope Scope) ([]domain.SpareConsumption, error) {
	if scope.Admin {
		return r.queryConsumptions(ctx, `SELECT consume_id,order_id,spare_id,quantity,consume_time,operator_id FROM spare_consumptions ORDER BY consume_time DESC, consume_id DESC`)
	}
	return r.queryConsumptions(ctx, `SELECT c.consume_id,c.order_id,c.spare_id,c.quantity,c.consume_time,c.operator_id
FROM spare_consumptions c
JOIN work_orders o ON o.order_id=c.order_id
WHERE o.creator_id=? OR o.assignee_id=? OR o.acceptor_id=?
ORDER BY c.consume_time DESC, c.consume_id DESC`, scope.Actor, scope.Actor, scope.Actor)
}

func (r Repo) queryConsumptions(ctx context.Context, query string, args ...any) ([]domain.SpareConsumption, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SpareConsumption
	for rows.Next() {
		var c domain.SpareConsumption
		if err := rows.Scan(&c.ConsumeID, &c.OrderID, &c.SpareID, &c.Quantity, &c.ConsumeTime, &c.OperatorID); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
