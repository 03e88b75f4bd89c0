package domain

// Work order statuses. Status only moves forward:
// unassigned -> in_progress -> pending_acceptance -> completed.
const (
	StatusUnassigned        = "unassigned"
	StatusInProgress        = "in_progress"
	StatusPendingAcceptance = "pending_acceptance"
	StatusCompleted         = "completed"
)

const (
	TypeRoutineMaintenance = "routine_maintenance"
	TypeEmergencyRepair    = "emergency_repair"
)

// Advisory work-order roles. They pre-populate recommended function
// permissions and gate nothing by themselves.
const (
	RoleNone       = "none"
	RoleDispatcher = "dispatcher"
	RoleExecutor   = "executor"
	RoleInspector  = "inspector"
)

const (
	RoleTypeAdmin  = "admin"
	RoleTypeNormal = "normal"
)

// Function ids gated by the permission bitmap.
const (
	FunctionOrderManagement  = 1
	FunctionMyTasks          = 2
	FunctionAcceptance       = 3
	FunctionSpareConsumption = 4
	FunctionLogReport        = 5
)

type WorkOrder struct {
	OrderID       string  `json:"order_id"`
	OrderType     string  `json:"order_type" enum:"routine_maintenance,emergency_repair"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	EquipmentID   string  `json:"equipment_id,omitempty"`
	ShipID        string  `json:"ship_id,omitempty"`
	RelatedPlanID string  `json:"related_plan_id,omitempty"`
	Status        string  `json:"status" enum:"unassigned,in_progress,pending_acceptance,completed"`
	CreateTime    string  `json:"create_time" format:"date-time"`
	AssignTime    *string `json:"assign_time,omitempty" format:"date-time"`
	ActualEndTime *string `json:"actual_end_time,omitempty" format:"date-time"`
	CreatorID     string  `json:"creator_id"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	AcceptorID    *string `json:"acceptor_id,omitempty"`
}

// SpareConsumption is an append-only child record of a work order.
type SpareConsumption struct {
	ConsumeID   string `json:"consume_id"`
	OrderID     string `json:"order_id"`
	SpareID     string `json:"spare_id"`
	Quantity    int    `json:"quantity"`
	ConsumeTime string `json:"consume_time" format:"date-time"`
	OperatorID  string `json:"operator_id"`
}

// LogRecord is an immutable audit entry, one per mutating action.
type LogRecord struct {
	LogID         string `json:"log_id"`
	OrderID       string `json:"order_id"`
	OperationType string `json:"operation_type"`
	Content       string `json:"content"`
	OperatorID    string `json:"operator_id"`
	OperateTime   string `json:"operate_time" format:"date-time"`
}

type User struct {
	Username      string `json:"username"`
	PasswordHash  string `json:"-"`
	Email         string `json:"email,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	RoleType      string `json:"role_type" enum:"admin,normal"`
	WorkOrderRole string `json:"work_order_role" enum:"none,dispatcher,executor,inspector"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}
