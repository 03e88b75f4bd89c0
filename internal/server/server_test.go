package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.EnsureAdmin(ctx, config.AdminConfig{Username: "admin", Password: "admin"}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, username, password string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", LoginRequest{
		Username: username, Password: password,
	}, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s status %d: %s", username, res.StatusCode, string(data))
	}
	var body LoginResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return body.Token
}

func registerUser(t *testing.T, srv *testServer, adminToken, username, role string) {
	t.Helper()
	req := map[string]any{"username": username, "password": "pw"}
	if role != "" {
		req["work_order_role"] = role
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users", req, adminToken)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s status %d: %s", username, res.StatusCode, string(data))
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, "admin", "admin")
	registerUser(t, srv, admin, "alice", domain.RoleDispatcher)
	registerUser(t, srv, admin, "bob", domain.RoleExecutor)
	registerUser(t, srv, admin, "carol", domain.RoleInspector)
	alice := login(t, srv, "alice", "pw")
	bob := login(t, srv, "bob", "pw")
	carol := login(t, srv, "carol", "pw")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", CreateWorkOrderRequest{
		OrderType: domain.TypeRoutineMaintenance,
		Title:     "Pump inspection",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var order domain.WorkOrder
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if order.Status != domain.StatusUnassigned {
		t.Fatalf("created status = %s", order.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders/"+order.OrderID+"/assign", map[string]any{
		"assignee_id": "bob", "acceptor_id": "carol",
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders/"+order.OrderID+"/complete", nil, bob)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders/"+order.OrderID+"/accept", nil, carol)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatalf("unmarshal accepted order: %v", err)
	}
	if order.Status != domain.StatusCompleted {
		t.Fatalf("final status = %s", order.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orders/"+order.OrderID+"/logs", nil, carol)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d: %s", res.StatusCode, string(data))
	}
	var logs []domain.LogRecord
	if err := json.Unmarshal(data, &logs); err != nil {
		t.Fatalf("unmarshal logs: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("log count = %d, want 4", len(logs))
	}
}

func TestFunctionPermissionGating(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, "admin", "admin")
	registerUser(t, srv, admin, "erin", domain.RoleExecutor)
	erin := login(t, srv, "erin", "pw")

	// executor role does not include order-management
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", CreateWorkOrderRequest{
		OrderType: domain.TypeRoutineMaintenance,
		Title:     "not allowed",
	}, erin)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "forbidden_function" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/users/erin/permissions", SetPermissionsRequest{
		FunctionIDs: []int{domain.FunctionOrderManagement},
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", CreateWorkOrderRequest{
		OrderType: domain.TypeRoutineMaintenance,
		Title:     "now allowed",
	}, erin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create after grant status %d: %s", res.StatusCode, string(data))
	}
}

func TestVisibilityOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, "admin", "admin")
	registerUser(t, srv, admin, "alice", domain.RoleDispatcher)
	registerUser(t, srv, admin, "dave", "")
	alice := login(t, srv, "alice", "pw")
	dave := login(t, srv, "dave", "pw")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", CreateWorkOrderRequest{
		OrderType: domain.TypeEmergencyRepair,
		Title:     "alice's order",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	listLen := func(token string) int {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orders", nil, token)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var orders []domain.WorkOrder
		if err := json.Unmarshal(data, &orders); err != nil {
			t.Fatalf("unmarshal orders: %v", err)
		}
		return len(orders)
	}
	if n := listLen(alice); n != 1 {
		t.Fatalf("alice sees %d orders", n)
	}
	if n := listLen(dave); n != 0 {
		t.Fatalf("dave sees %d orders", n)
	}
	if n := listLen(admin); n != 1 {
		t.Fatalf("admin sees %d orders", n)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orders", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestStateConflictOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	admin := login(t, srv, "admin", "admin")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", CreateWorkOrderRequest{
		OrderType: domain.TypeRoutineMaintenance,
		Title:     "conflict check",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var order domain.WorkOrder
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders/"+order.OrderID+"/accept", nil, admin)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}
}
