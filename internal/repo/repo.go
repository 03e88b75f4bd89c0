package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"orderline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Scope is the visibility predicate applied to every multi-row query.
// Admins see everything; everyone else only sees orders where they are
// creator, assignee or acceptor.
type Scope struct {
	Actor string
	Admin bool
}

func (s Scope) clause() (string, []any) {
	if s.Admin {
		return "", nil
	}
	return "(creator_id=? OR assignee_id=? OR acceptor_id=?)", []any{s.Actor, s.Actor, s.Actor}
}

const workOrderColumns = `order_id,order_type,title,COALESCE(description,''),COALESCE(equipment_id,''),COALESCE(ship_id,''),COALESCE(related_plan_id,''),status,create_time,assign_time,actual_end_time,creator_id,assignee_id,acceptor_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var o domain.WorkOrder
	var assignTime, actualEndTime, assigneeID, acceptorID sql.NullString
	err := row.Scan(&o.OrderID, &o.OrderType, &o.Title, &o.Description, &o.EquipmentID, &o.ShipID, &o.RelatedPlanID,
		&o.Status, &o.CreateTime, &assignTime, &actualEndTime, &o.CreatorID, &assigneeID, &acceptorID)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if assignTime.Valid {
		o.AssignTime = &assignTime.String
	}
	if actualEndTime.Valid {
		o.ActualEndTime = &actualEndTime.String
	}
	if assigneeID.Valid {
		o.AssigneeID = &assigneeID.String
	}
	if acceptorID.Valid {
		o.AcceptorID = &acceptorID.String
	}
	return o, nil
}

func (r Repo) InsertWorkOrderTx(ctx context.Context, tx *sql.Tx, o domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(order_id,order_type,title,description,equipment_id,ship_id,related_plan_id,status,create_time,assign_time,actual_end_time,creator_id,assignee_id,acceptor_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.OrderID, o.OrderType, o.Title, nullable(o.Description), nullable(o.EquipmentID), nullable(o.ShipID), nullable(o.RelatedPlanID),
		o.Status, o.CreateTime, nullableStringPtr(o.AssignTime), nullableStringPtr(o.ActualEndTime), o.CreatorID,
		nullableStringPtr(o.AssigneeID), nullableStringPtr(o.AcceptorID))
	return err
}

func (r Repo) GetWorkOrder(ctx context.Context, orderID string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE order_id=?`, orderID))
}

func (r Repo) GetWorkOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (domain.WorkOrder, error) {
	return scanWorkOrder(tx.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE order_id=?`, orderID))
}

// EditableFields are the only columns UpdateWorkOrderFieldsTx touches.
// Status, parties and timestamps belong to the lifecycle operations.
type EditableFields struct {
	OrderType     string
	Title         string
	Description   string
	EquipmentID   string
	ShipID        string
	RelatedPlanID string
}

func (r Repo) UpdateWorkOrderFieldsTx(ctx context.Context, tx *sql.Tx, orderID string, f EditableFields) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET order_type=?, title=?, description=?, equipment_id=?, ship_id=?, related_plan_id=? WHERE order_id=?`,
		f.OrderType, f.Title, nullable(f.Description), nullable(f.EquipmentID), nullable(f.ShipID), nullable(f.RelatedPlanID), orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAssignmentTx sets the assignee/acceptor pair. With a non-empty
// assignee the order also gets its assign_time and the new status;
// with an empty assignee only the parties change.
func (r Repo) UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, orderID, assigneeID, acceptorID, assignTime, status string) error {
	var err error
	if assigneeID == "" {
		_, err = tx.ExecContext(ctx, `UPDATE work_orders SET assignee_id=?, acceptor_id=? WHERE order_id=?`,
			nullable(assigneeID), nullable(acceptorID), orderID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE work_orders SET assignee_id=?, acceptor_id=?, assign_time=?, status=? WHERE order_id=?`,
			assigneeID, nullable(acceptorID), assignTime, status, orderID)
	}
	return err
}

func (r Repo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, orderID, status string, actualEndTime *string) error {
	var err error
	if actualEndTime != nil {
		_, err = tx.ExecContext(ctx, `UPDATE work_orders SET status=?, actual_end_time=? WHERE order_id=?`, status, *actualEndTime, orderID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE work_orders SET status=? WHERE order_id=?`, status, orderID)
	}
	return err
}

// ListWorkOrders returns orders visible to the scope, newest first.
func (r Repo) ListWorkOrders(ctx context.Context, scope Scope) ([]domain.WorkOrder, error) {
	where := ""
	clause, args := scope.clause()
	if clause != "" {
		where = "WHERE " + clause
	}
	query := fmt.Sprintf(`SELECT %s FROM work_orders %s ORDER BY create_time DESC, order_id DESC`, workOrderColumns, where)
	return r.queryWorkOrders(ctx, query, args...)
}

// SearchWorkOrdersByTitle performs a case-insensitive substring match
// on the title, scoped like ListWorkOrders.
func (r Repo) SearchWorkOrdersByTitle(ctx context.Context, keyword string, scope Scope) ([]domain.WorkOrder, error) {
	clauses := []string{"LOWER(title) LIKE ?"}
	args := []any{"%" + strings.ToLower(keyword) + "%"}
	if clause, scopeArgs := scope.clause(); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, scopeArgs...)
	}
	query := fmt.Sprintf(`SELECT %s FROM work_orders WHERE %s ORDER BY create_time DESC, order_id DESC`,
		workOrderColumns, strings.Join(clauses, " AND "))
	return r.queryWorkOrders(ctx, query, args...)
}

func (r Repo) ListWorkOrdersByCreator(ctx context.Context, creatorID string) ([]domain.WorkOrder, error) {
	return r.queryWorkOrders(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE creator_id=? ORDER BY create_time DESC, order_id DESC`, creatorID)
}

// ListWorkOrdersByAssignee orders by assignment recency, not creation.
func (r Repo) ListWorkOrdersByAssignee(ctx context.Context, assigneeID string) ([]domain.WorkOrder, error) {
	return r.queryWorkOrders(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE assignee_id=? ORDER BY assign_time DESC, order_id DESC`, assigneeID)
}

func (r Repo) ListWorkOrdersByAcceptor(ctx context.Context, acceptorID string) ([]domain.WorkOrder, error) {
	return r.queryWorkOrders(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE acceptor_id=? ORDER BY create_time DESC, order_id DESC`, acceptorID)
}

func (r Repo) queryWorkOrders(ctx context.Context, query string, args ...any) ([]domain.WorkOrder, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		o, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
