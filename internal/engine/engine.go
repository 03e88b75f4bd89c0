package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"orderline/internal/audit"
	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/engine/access"
	"orderline/internal/repo"
	"orderline/internal/seq"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Seq    seq.Generator
	Access access.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	gen := seq.Generator{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Audit:  audit.Writer{DB: db, Seq: gen},
		Seq:    gen,
		Access: access.Service{Repo: r, Config: *cfg},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	if e.DB == nil {
		return nil, ErrNotConnected
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return tx, nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return ValidationError{Field: "title", Reason: "required"}
	}
	if utf8.RuneCountInString(title) > 200 {
		return ValidationError{Field: "title", Reason: "longer than 200 characters"}
	}
	return nil
}

func validateOrderType(orderType string) error {
	switch orderType {
	case domain.TypeRoutineMaintenance, domain.TypeEmergencyRepair:
		return nil
	}
	return ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown type %q", orderType)}
}

// WorkOrderCreateOptions are parameters for creating a work order.
// Spares, when present, are inserted in the same transaction with
// consecutive consumption ids.
type WorkOrderCreateOptions struct {
	OrderType     string
	Title         string
	Description   string
	EquipmentID   string
	ShipID        string
	RelatedPlanID string
	CreatorID     string
	Spares        []SpareLine
}

type SpareLine struct {
	SpareID  string
	Quantity int
}

// CreateWorkOrder inserts a new order in status unassigned and writes
// its create log entry. Status and create_time are always set here,
// whatever the caller supplied.
func (e Engine) CreateWorkOrder(ctx context.Context, opts WorkOrderCreateOptions) (domain.WorkOrder, error) {
	if err := validateTitle(opts.Title); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := validateOrderType(opts.OrderType); err != nil {
		return domain.WorkOrder{}, err
	}
	if opts.CreatorID == "" {
		return domain.WorkOrder{}, ValidationError{Field: "creator_id", Reason: "required"}
	}
	for i, s := range opts.Spares {
		if s.SpareID == "" {
			return domain.WorkOrder{}, ValidationError{Field: "spares", Reason: fmt.Sprintf("spare %d: spare_id required", i+1)}
		}
		if s.Quantity <= 0 {
			return domain.WorkOrder{}, ValidationError{Field: "spares", Reason: fmt.Sprintf("spare %d: quantity must be positive", i+1)}
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	ts := e.nowRFC3339()
	orderID, err := e.Seq.NextTx(ctx, tx, "WO")
	if err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "generate order id", Err: err}
	}
	o := domain.WorkOrder{
		OrderID:       orderID,
		OrderType:     opts.OrderType,
		Title:         opts.Title,
		Description:   opts.Description,
		EquipmentID:   opts.EquipmentID,
		ShipID:        opts.ShipID,
		RelatedPlanID: opts.RelatedPlanID,
		Status:        domain.StatusUnassigned,
		CreateTime:    ts,
		CreatorID:     opts.CreatorID,
	}
	if err := e.Repo.InsertWorkOrderTx(ctx, tx, o); err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "insert work order", Err: err}
	}
	if len(opts.Spares) > 0 {
		if err := e.insertSparesTx(ctx, tx, orderID, opts.Spares, opts.CreatorID, ts); err != nil {
			return domain.WorkOrder{}, err
		}
	}
	content := fmt.Sprintf("created work order %q (%s)", o.Title, o.OrderType)
	if err := e.logTx(ctx, tx, orderID, audit.OpCreate, content, opts.CreatorID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "commit create", Err: err}
	}
	return o, nil
}

// AssignWorkOrder attaches the assignee/acceptor pair to an unassigned
// order. A non-empty assignee starts the work: assign_time is stamped
// and status advances to in_progress. An empty assignee only records
// the parties and leaves the order unassigned. Any other current
// status is rejected.
func (e Engine) AssignWorkOrder(ctx context.Context, orderID, assigneeID, acceptorID, operatorID string) (domain.WorkOrder, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetWorkOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if o.Status != domain.StatusUnassigned {
		return domain.WorkOrder{}, StateError{OrderID: orderID, Op: "assign", Status: o.Status}
	}
	if operatorID == "" {
		operatorID = o.CreatorID
	}

	ts := e.nowRFC3339()
	status := domain.StatusUnassigned
	if assigneeID != "" {
		status = domain.StatusInProgress
	}
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, orderID, assigneeID, acceptorID, ts, status); err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "update assignment", Err: err}
	}
	content := fmt.Sprintf("assigned to %q, acceptor %q", assigneeID, acceptorID)
	if assigneeID == "" {
		content = fmt.Sprintf("parties updated, acceptor %q, no assignee", acceptorID)
	}
	if err := e.logTx(ctx, tx, orderID, audit.OpAssign, content, operatorID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "commit assign", Err: err}
	}
	return e.Repo.GetWorkOrder(ctx, orderID)
}

// CompleteWorkOrder marks an in-progress order as done by its
// assignee: status moves to pending_acceptance and actual_end_time is
// stamped. The operator defaults to the order's assignee.
func (e Engine) CompleteWorkOrder(ctx context.Context, orderID, operatorID string) (domain.WorkOrder, error) {
	return e.advance(ctx, orderID, operatorID, transition{
		op:         "complete",
		logOp:      audit.OpComplete,
		from:       domain.StatusInProgress,
		to:         domain.StatusPendingAcceptance,
		stampEnd:   true,
		defaultOp:  func(o domain.WorkOrder) string { return deref(o.AssigneeID) },
		logContent: func(o domain.WorkOrder) string { return fmt.Sprintf("work finished, awaiting acceptance of %q", o.Title) },
	})
}

// AcceptWorkOrder closes a pending-acceptance order: status moves to
// completed. The operator defaults to the order's acceptor.
func (e Engine) AcceptWorkOrder(ctx context.Context, orderID, operatorID string) (domain.WorkOrder, error) {
	return e.advance(ctx, orderID, operatorID, transition{
		op:         "accept",
		logOp:      audit.OpAccept,
		from:       domain.StatusPendingAcceptance,
		to:         domain.StatusCompleted,
		defaultOp:  func(o domain.WorkOrder) string { return deref(o.AcceptorID) },
		logContent: func(o domain.WorkOrder) string { return fmt.Sprintf("accepted %q", o.Title) },
	})
}

type transition struct {
	op         string
	logOp      string
	from       string
	to         string
	stampEnd   bool
	defaultOp  func(domain.WorkOrder) string
	logContent func(domain.WorkOrder) string
}

func (e Engine) advance(ctx context.Context, orderID, operatorID string, step transition) (domain.WorkOrder, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetWorkOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if o.Status != step.from {
		return domain.WorkOrder{}, StateError{OrderID: orderID, Op: step.op, Status: o.Status}
	}
	if operatorID == "" {
		operatorID = step.defaultOp(o)
	}
	if operatorID == "" {
		return domain.WorkOrder{}, ValidationError{Field: "operator_id", Reason: "required, order has no default operator"}
	}

	var endTime *string
	if step.stampEnd {
		ts := e.nowRFC3339()
		endTime = &ts
	}
	if err := e.Repo.UpdateStatusTx(ctx, tx, orderID, step.to, endTime); err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "update status", Err: err}
	}
	if err := e.logTx(ctx, tx, orderID, step.logOp, step.logContent(o), operatorID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "commit " + step.op, Err: err}
	}
	return e.Repo.GetWorkOrder(ctx, orderID)
}

// UpdateWorkOrder edits the descriptive fields of an order. Status,
// parties and timestamps never change here. Once an order has an
// assignee, only an admin may still edit it.
func (e Engine) UpdateWorkOrder(ctx context.Context, orderID string, fields repo.EditableFields, actorID string) (domain.WorkOrder, error) {
	if err := validateTitle(fields.Title); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := validateOrderType(fields.OrderType); err != nil {
		return domain.WorkOrder{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetWorkOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if o.AssigneeID != nil {
		admin, err := e.Access.IsAdmin(ctx, actorID)
		if err != nil {
			return domain.WorkOrder{}, err
		}
		if !admin {
			return domain.WorkOrder{}, access.ForbiddenError{Action: "edit assigned order"}
		}
	}
	if err := e.Repo.UpdateWorkOrderFieldsTx(ctx, tx, orderID, fields); err != nil {
		if err == repo.ErrNotFound {
			return domain.WorkOrder{}, err
		}
		return domain.WorkOrder{}, PersistenceError{Op: "update work order", Err: err}
	}
	content := fmt.Sprintf("edited work order, title %q", fields.Title)
	if err := e.logTx(ctx, tx, orderID, audit.OpEdit, content, o.CreatorID); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, PersistenceError{Op: "commit update", Err: err}
	}
	return e.Repo.GetWorkOrder(ctx, orderID)
}

// RecordConsumptions appends spare-consumption rows to an existing
// order. The whole batch shares one transaction: a bad line rolls back
// every line.
func (e Engine) RecordConsumptions(ctx context.Context, orderID string, spares []SpareLine, operatorID string) ([]domain.SpareConsumption, error) {
	if len(spares) == 0 {
		return nil, ValidationError{Field: "spares", Reason: "at least one line required"}
	}
	if operatorID == "" {
		return nil, ValidationError{Field: "operator_id", Reason: "required"}
	}
	for i, s := range spares {
		if s.SpareID == "" {
			return nil, ValidationError{Field: "spares", Reason: fmt.Sprintf("spare %d: spare_id required", i+1)}
		}
		if s.Quantity <= 0 {
			return nil, ValidationError{Field: "spares", Reason: fmt.Sprintf("spare %d: quantity must be positive", i+1)}
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetWorkOrderTx(ctx, tx, orderID); err != nil {
		return nil, err
	}
	ts := e.nowRFC3339()
	if err := e.insertSparesTx(ctx, tx, orderID, spares, operatorID, ts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, PersistenceError{Op: "commit consumptions", Err: err}
	}
	return e.Repo.ListConsumptionsByOrder(ctx, orderID)
}

// insertSparesTx reserves len(spares) consecutive CS ids in one bump
// and inserts the batch.
func (e Engine) insertSparesTx(ctx context.Context, tx *sql.Tx, orderID string, spares []SpareLine, operatorID, ts string) error {
	base, err := e.Seq.ReserveTx(ctx, tx, "CS", len(spares))
	if err != nil {
		return PersistenceError{Op: "generate consumption ids", Err: err}
	}
	day := e.Seq.Day()
	for i, s := range spares {
		c := domain.SpareConsumption{
			ConsumeID:   seq.Format("CS", day, base+i),
			OrderID:     orderID,
			SpareID:     s.SpareID,
			Quantity:    s.Quantity,
			ConsumeTime: ts,
			OperatorID:  operatorID,
		}
		if err := e.Repo.InsertConsumptionTx(ctx, tx, c); err != nil {
			return PersistenceError{Op: "insert consumption", Err: err}
		}
	}
	return nil
}

func (e Engine) logTx(ctx context.Context, tx *sql.Tx, orderID, opType, content, operatorID string) error {
	if err := e.Audit.Append(ctx, tx, orderID, opType, content, operatorID); err != nil {
		return PersistenceError{Op: "append log", Err: err}
	}
	return nil
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
