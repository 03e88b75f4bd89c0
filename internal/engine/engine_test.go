package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"orderline/internal/audit"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
	"orderline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	clock := func() time.Time { return time.Date(2025, 1, 15, 14, 32, 1, 0, time.UTC) }
	eng.Now = clock
	eng.Seq.Now = clock
	eng.Audit.Now = clock
	eng.Audit.Seq.Now = clock
	ctx := context.Background()
	if err := eng.EnsureAdmin(ctx, config.AdminConfig{Username: "admin", Password: "admin"}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	for _, u := range []string{"alice", "bob", "carol"} {
		if _, err := eng.RegisterUser(ctx, engine.UserRegisterOptions{Username: u, Password: "pw"}); err != nil {
			t.Fatalf("register %s: %v", u, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createOrder(t *testing.T, env testEnv, title, creator string) domain.WorkOrder {
	t.Helper()
	o, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderCreateOptions{
		OrderType: domain.TypeRoutineMaintenance,
		Title:     title,
		CreatorID: creator,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)

	o := createOrder(t, env, "Pump inspection", "alice")
	if o.Status != domain.StatusUnassigned {
		t.Fatalf("status after create = %s", o.Status)
	}
	if o.OrderID != "WO-20250115-001" {
		t.Fatalf("order id = %s", o.OrderID)
	}
	if o.AssignTime != nil || o.ActualEndTime != nil {
		t.Fatalf("timestamps set too early: %+v", o)
	}

	o, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "bob", "carol", "alice")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if o.Status != domain.StatusInProgress {
		t.Fatalf("status after assign = %s", o.Status)
	}
	if o.AssignTime == nil {
		t.Fatal("assign_time not set")
	}
	if o.AssigneeID == nil || *o.AssigneeID != "bob" || o.AcceptorID == nil || *o.AcceptorID != "carol" {
		t.Fatalf("parties = %+v", o)
	}

	o, err = env.Engine.CompleteWorkOrder(env.Ctx, o.OrderID, "bob")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if o.Status != domain.StatusPendingAcceptance {
		t.Fatalf("status after complete = %s", o.Status)
	}
	if o.ActualEndTime == nil {
		t.Fatal("actual_end_time not set")
	}

	o, err = env.Engine.AcceptWorkOrder(env.Ctx, o.OrderID, "carol")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o.Status != domain.StatusCompleted {
		t.Fatalf("status after accept = %s", o.Status)
	}

	if n, err := env.Engine.Repo.CountLogsByOrder(env.Ctx, o.OrderID); err != nil || n != 4 {
		t.Fatalf("log count = %d (%v), want 4", n, err)
	}
	logs, err := env.Engine.Repo.ListLogsByOrder(env.Ctx, o.OrderID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	ops := map[string]bool{}
	for _, l := range logs {
		if l.OrderID != o.OrderID {
			t.Fatalf("log %s references %s", l.LogID, l.OrderID)
		}
		if !strings.HasPrefix(l.LogID, "LOG-20250115-143201-") {
			t.Fatalf("log id = %s", l.LogID)
		}
		ops[l.OperationType] = true
	}
	for _, op := range []string{audit.OpCreate, audit.OpAssign, audit.OpComplete, audit.OpAccept} {
		if !ops[op] {
			t.Fatalf("missing %s log entry", op)
		}
	}
}

func TestSequentialOrderIDs(t *testing.T) {
	env := newTestEnv(t)
	if next := env.Engine.Seq.Peek(env.Ctx, "WO"); next != "WO-20250115-001" {
		t.Fatalf("peek on empty day = %s", next)
	}
	first := createOrder(t, env, "first", "alice")
	second := createOrder(t, env, "second", "alice")
	if first.OrderID != "WO-20250115-001" || second.OrderID != "WO-20250115-002" {
		t.Fatalf("ids = %s, %s", first.OrderID, second.OrderID)
	}
	if next := env.Engine.Seq.Peek(env.Ctx, "WO"); next != "WO-20250115-003" {
		t.Fatalf("peek after two creates = %s", next)
	}
}

func TestAssignRequiresUnassigned(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "once only", "alice")
	if _, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "bob", "carol", ""); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	_, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "carol", "bob", "")
	var stateErr engine.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("second assign err = %v, want StateError", err)
	}
	if stateErr.Status != domain.StatusInProgress {
		t.Fatalf("state error carries status %s", stateErr.Status)
	}
}

func TestAssignWithoutAssigneeKeepsUnassigned(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "parties only", "alice")
	o, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "", "carol", "alice")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if o.Status != domain.StatusUnassigned {
		t.Fatalf("status = %s", o.Status)
	}
	if o.AssignTime != nil {
		t.Fatal("assign_time set without assignee")
	}
	if o.AcceptorID == nil || *o.AcceptorID != "carol" {
		t.Fatalf("acceptor = %v", o.AcceptorID)
	}
}

func TestCompleteAndAcceptGuards(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "guarded", "alice")

	// not yet in progress
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, o.OrderID, "bob"); err == nil {
		t.Fatal("complete on unassigned order succeeded")
	}
	// not yet pending acceptance
	if _, err := env.Engine.AcceptWorkOrder(env.Ctx, o.OrderID, "carol"); err == nil {
		t.Fatal("accept on unassigned order succeeded")
	}

	if _, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "bob", "carol", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptWorkOrder(env.Ctx, o.OrderID, "carol"); err == nil {
		t.Fatal("accept on in-progress order succeeded")
	}
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, o.OrderID, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// double complete
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, o.OrderID, ""); err == nil {
		t.Fatal("complete twice succeeded")
	}
	if _, err := env.Engine.AcceptWorkOrder(env.Ctx, o.OrderID, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.AcceptWorkOrder(env.Ctx, o.OrderID, ""); err == nil {
		t.Fatal("accept twice succeeded")
	}
}

func TestOperatorDefaults(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "defaults", "alice")
	if _, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "bob", "carol", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteWorkOrder(env.Ctx, o.OrderID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptWorkOrder(env.Ctx, o.OrderID, ""); err != nil {
		t.Fatal(err)
	}
	logs, err := env.Engine.Repo.ListLogsByOrder(env.Ctx, o.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		audit.OpAssign:   "alice",
		audit.OpComplete: "bob",
		audit.OpAccept:   "carol",
	}
	for _, l := range logs {
		if op, ok := want[l.OperationType]; ok && l.OperatorID != op {
			t.Fatalf("%s operator = %s, want %s", l.OperationType, l.OperatorID, op)
		}
	}
}

func TestTitleValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderCreateOptions{
		OrderType: domain.TypeRoutineMaintenance, Title: "", CreatorID: "alice",
	}); err == nil {
		t.Fatal("empty title accepted")
	}
	long := strings.Repeat("x", 201)
	if _, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderCreateOptions{
		OrderType: domain.TypeRoutineMaintenance, Title: long, CreatorID: "alice",
	}); err == nil {
		t.Fatal("201-char title accepted")
	}

	o := createOrder(t, env, "valid", "alice")
	_, err := env.Engine.UpdateWorkOrder(env.Ctx, o.OrderID, repo.EditableFields{
		OrderType: domain.TypeRoutineMaintenance, Title: long,
	}, "alice")
	var vErr engine.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("edit err = %v, want ValidationError", err)
	}
}

func TestEditAssignedOrderNeedsAdmin(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "editable", "alice")

	fields := repo.EditableFields{OrderType: domain.TypeEmergencyRepair, Title: "updated"}
	if _, err := env.Engine.UpdateWorkOrder(env.Ctx, o.OrderID, fields, "alice"); err != nil {
		t.Fatalf("edit unassigned order: %v", err)
	}

	if _, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "bob", "carol", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateWorkOrder(env.Ctx, o.OrderID, fields, "alice"); err == nil {
		t.Fatal("non-admin edited assigned order")
	}
	got, err := env.Engine.UpdateWorkOrder(env.Ctx, o.OrderID, repo.EditableFields{
		OrderType: domain.TypeEmergencyRepair, Title: "admin edit",
	}, "admin")
	if err != nil {
		t.Fatalf("admin edit: %v", err)
	}
	if got.Title != "admin edit" || got.Status != domain.StatusInProgress {
		t.Fatalf("after admin edit: %+v", got)
	}
}

func TestEditNeverTouchesLifecycleFields(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "stable", "alice")
	if _, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "bob", "carol", ""); err != nil {
		t.Fatal(err)
	}
	before, _ := env.Engine.Repo.GetWorkOrder(env.Ctx, o.OrderID)
	after, err := env.Engine.UpdateWorkOrder(env.Ctx, o.OrderID, repo.EditableFields{
		OrderType: domain.TypeEmergencyRepair, Title: "renamed", Description: "now urgent",
	}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != before.Status || *after.AssigneeID != *before.AssigneeID || *after.AssignTime != *before.AssignTime {
		t.Fatalf("lifecycle fields changed: before %+v after %+v", before, after)
	}
}

func TestVisibilityScoping(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{Username: "dave", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	o := createOrder(t, env, "private to alice's crew", "alice")
	if _, err := env.Engine.AssignWorkOrder(env.Ctx, o.OrderID, "bob", "carol", ""); err != nil {
		t.Fatal(err)
	}

	for _, actor := range []string{"alice", "bob", "carol"} {
		scope, err := env.Engine.Access.Scope(env.Ctx, actor)
		if err != nil {
			t.Fatal(err)
		}
		orders, err := env.Engine.Repo.ListWorkOrders(env.Ctx, scope)
		if err != nil {
			t.Fatal(err)
		}
		if len(orders) != 1 {
			t.Fatalf("%s sees %d orders, want 1", actor, len(orders))
		}
	}

	scope, err := env.Engine.Access.Scope(env.Ctx, "dave")
	if err != nil {
		t.Fatal(err)
	}
	orders, err := env.Engine.Repo.ListWorkOrders(env.Ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Fatalf("dave sees %d orders, want 0", len(orders))
	}

	adminScope, err := env.Engine.Access.Scope(env.Ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	orders, err = env.Engine.Repo.ListWorkOrders(env.Ctx, adminScope)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("admin sees %d orders, want 1", len(orders))
	}
}

func TestSearchByTitle(t *testing.T) {
	env := newTestEnv(t)
	createOrder(t, env, "Pump inspection", "alice")
	createOrder(t, env, "Valve replacement", "alice")

	scope, err := env.Engine.Access.Scope(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	hits, err := env.Engine.Repo.SearchWorkOrdersByTitle(env.Ctx, "PUMP", scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Title != "Pump inspection" {
		t.Fatalf("search hits = %+v", hits)
	}

	bobScope, err := env.Engine.Access.Scope(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	hits, err = env.Engine.Repo.SearchWorkOrdersByTitle(env.Ctx, "pump", bobScope)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("bob's search hits = %+v", hits)
	}
}

func TestBatchConsumptionIDs(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderCreateOptions{
		OrderType: domain.TypeEmergencyRepair,
		Title:     "with spares",
		CreatorID: "alice",
		Spares: []engine.SpareLine{
			{SpareID: "SP-100", Quantity: 2},
			{SpareID: "SP-200", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create with spares: %v", err)
	}
	rows, err := env.Engine.Repo.ListConsumptionsByOrder(env.Ctx, o.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("consumption count = %d", len(rows))
	}
	seen := map[string]bool{}
	for _, c := range rows {
		seen[c.ConsumeID] = true
	}
	if !seen["CS-20250115-001"] || !seen["CS-20250115-002"] {
		t.Fatalf("consumption ids = %v", seen)
	}

	more, err := env.Engine.RecordConsumptions(env.Ctx, o.OrderID, []engine.SpareLine{{SpareID: "SP-300", Quantity: 5}}, "bob")
	if err != nil {
		t.Fatalf("record consumptions: %v", err)
	}
	if len(more) != 3 {
		t.Fatalf("total consumption count = %d", len(more))
	}
}

func TestConsumptionBatchRollsBackTogether(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "rollback", "alice")
	_, err := env.Engine.RecordConsumptions(env.Ctx, o.OrderID, []engine.SpareLine{
		{SpareID: "SP-1", Quantity: 1},
		{SpareID: "SP-2", Quantity: 0},
	}, "bob")
	if err == nil {
		t.Fatal("bad batch accepted")
	}
	rows, err := env.Engine.Repo.ListConsumptionsByOrder(env.Ctx, o.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("partial batch persisted: %+v", rows)
	}
}

func TestConsumptionsRequireExistingOrder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordConsumptions(env.Ctx, "WO-20250115-999", []engine.SpareLine{{SpareID: "SP-1", Quantity: 1}}, "bob")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRegisterSeedsRolePermissions(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{
		Username:      "erin",
		Password:      "pw",
		WorkOrderRole: domain.RoleExecutor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if u.WorkOrderRole != domain.RoleExecutor {
		t.Fatalf("role = %s", u.WorkOrderRole)
	}
	perms, err := env.Engine.Access.FunctionPermissions(env.Ctx, "erin")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{domain.FunctionMyTasks, domain.FunctionSpareConsumption}
	if len(perms) != len(want) || perms[0] != want[0] || perms[1] != want[1] {
		t.Fatalf("perms = %v, want %v", perms, want)
	}
}

func TestPermissionDefaultsToEmpty(t *testing.T) {
	env := newTestEnv(t)
	perms, err := env.Engine.Access.FunctionPermissions(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != 0 {
		t.Fatalf("new user perms = %v, want empty", perms)
	}
	ok, err := env.Engine.Access.HasFunctionPermission(env.Ctx, "alice", domain.FunctionOrderManagement)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("ungranted permission reported true")
	}
}

func TestAdminHoldsAllFunctions(t *testing.T) {
	env := newTestEnv(t)
	perms, err := env.Engine.Access.FunctionPermissions(env.Ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != 5 {
		t.Fatalf("admin perms = %v", perms)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Authenticate(env.Ctx, "alice", "pw"); err != nil {
		t.Fatalf("valid login: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "alice", "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "nobody", "pw"); err == nil {
		t.Fatal("unknown user accepted")
	}
}
