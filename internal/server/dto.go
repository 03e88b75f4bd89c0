package server

import (
	"orderline/internal/domain"
)

type LoginRequest struct {
	Username string `json:"username" example:"alice"`
	Password string `json:"password" example:"secret"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type CreateWorkOrderRequest struct {
	OrderType     string             `json:"order_type" enum:"routine_maintenance,emergency_repair"`
	Title         string             `json:"title" minLength:"1" maxLength:"200"`
	Description   *string            `json:"description,omitempty"`
	EquipmentID   *string            `json:"equipment_id,omitempty"`
	ShipID        *string            `json:"ship_id,omitempty"`
	RelatedPlanID *string            `json:"related_plan_id,omitempty"`
	Spares        []SpareLineRequest `json:"spares,omitempty"`
}

type SpareLineRequest struct {
	SpareID  string `json:"spare_id"`
	Quantity int    `json:"quantity" minimum:"1"`
}

type AssignWorkOrderRequest struct {
	AssigneeID *string `json:"assignee_id,omitempty"`
	AcceptorID *string `json:"acceptor_id,omitempty"`
}

type UpdateWorkOrderRequest struct {
	OrderType     string  `json:"order_type" enum:"routine_maintenance,emergency_repair"`
	Title         string  `json:"title" minLength:"1" maxLength:"200"`
	Description   *string `json:"description,omitempty"`
	EquipmentID   *string `json:"equipment_id,omitempty"`
	ShipID        *string `json:"ship_id,omitempty"`
	RelatedPlanID *string `json:"related_plan_id,omitempty"`
}

type RecordSparesRequest struct {
	Spares []SpareLineRequest `json:"spares" minItems:"1"`
}

type RegisterUserRequest struct {
	Username      string  `json:"username" minLength:"1"`
	Password      string  `json:"password" minLength:"1"`
	Email         *string `json:"email,omitempty"`
	DisplayName   *string `json:"display_name,omitempty"`
	WorkOrderRole *string `json:"work_order_role,omitempty" enum:"none,dispatcher,executor,inspector"`
}

type SetPermissionsRequest struct {
	FunctionIDs []int `json:"function_ids"`
}

type SetRoleRequest struct {
	WorkOrderRole string `json:"work_order_role" enum:"none,dispatcher,executor,inspector"`
}

type UserResponse struct {
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	RoleType      string `json:"role_type"`
	WorkOrderRole string `json:"work_order_role"`
	CreatedAt     string `json:"created_at"`
}

type MeResponse struct {
	Username    string `json:"username"`
	RoleType    string `json:"role_type"`
	FunctionIDs []int  `json:"function_ids"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		Username:      u.Username,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		RoleType:      u.RoleType,
		WorkOrderRole: u.WorkOrderRole,
		CreatedAt:     u.CreatedAt,
	}
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
