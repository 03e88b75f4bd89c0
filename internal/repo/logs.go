package repo

import (
	"context"

	"orderline/internal/domain"
)

// Log rows are written by the audit writer only; the repo just reads.

func (r Repo) ListLogsByOrder(ctx context.Context, orderID string) ([]domain.LogRecord, error) {
	return r.queryLogs(ctx, `SELECT log_id,order_id,operation_type,content,operator_id,operate_time FROM work_order_logs WHERE order_id=? ORDER BY operate_time DESC, log_id DESC`, orderID)
}

// ListLogs returns log entries for every order visible to the scope.
func (r Repo) ListLogs(ctx context.Context, scope Scope) ([]domain.LogRecord, error) {
	if scope.Admin {
		return r.queryLogs(ctx, `SELECT log_id,order_id,operation_type,content,operator_id,operate_time FROM work_order_logs ORDER BY operate_time DESC, log_id DESC`)
	}
	return r.queryLogs(ctx, `SELECT l.log_id,l.order_id,l.operation_type,l.content,l.operator_id,l.operate_time
FROM work_order_logs l
JOIN work_orders o ON o.order_id=l.order_id
WHERE o.creator_id=? OR o.assignee_id=? OR o.acceptor_id=?
ORDER BY l.operate_time DESC, l.log_id DESC`, scope.Actor, scope.Actor, scope.Actor)
}

func (r Repo) CountLogsByOrder(ctx context.Context, orderID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_order_logs WHERE order_id=?`, orderID).Scan(&n)
	return n, err
}

func (r Repo) queryLogs(ctx context.Context, query string, args ...any) ([]domain.LogRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogRecord
	for rows.Next() {
		var l domain.LogRecord
		if err := rows.Scan(&l.LogID, &l.OrderID, &l.OperationType, &l.Content, &l.OperatorID, &l.OperateTime); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
