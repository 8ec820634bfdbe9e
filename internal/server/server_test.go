package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowActorHeader: true}})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
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

func as(t *testing.T, actor string) map[string]string {
	t.Helper()
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, u := range []map[string]any{
		{"id": "cust", "role": "customer"},
		{"id": "con", "role": "contractor"},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", u, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create user: %d %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/cust/deposit", map[string]any{"amount": "500.00"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{
		"title":        "Build the site",
		"customer_ids": []string{"cust"},
		"milestones": []map[string]any{
			{"description": "All of it", "amount": "500.00", "deadline": "2026-06-01T00:00:00Z"},
		},
	}, as(t, "cust"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order: %d %s", res.StatusCode, string(data))
	}
	var order OrderResponse
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if len(order.Milestones) != 1 {
		t.Fatalf("milestones = %d", len(order.Milestones))
	}
	milestoneID := order.Milestones[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/fund", map[string]any{"amount": "500.00"}, as(t, "cust"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/contractor", map[string]any{"contractor_id": "con"}, as(t, "cust"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign contractor: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/orders/"+order.ID+"/milestones/"+milestoneID+"/status", map[string]any{"status": "in_progress"}, as(t, "con"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("milestone status: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/acts", map[string]any{"milestone_id": milestoneID}, as(t, "con"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate act: %d %s", res.StatusCode, string(data))
	}
	var act ActResponse
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatalf("decode act: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/acts/"+act.ID+"/sign", nil, as(t, "con"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contractor sign: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/acts/"+act.ID+"/sign", nil, as(t, "cust"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("customer sign: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatal(err)
	}
	if act.Status != "completed" {
		t.Fatalf("act status = %s, want completed", act.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/con", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get contractor: %d %s", res.StatusCode, string(data))
	}
	var con UserResponse
	if err := json.Unmarshal(data, &con); err != nil {
		t.Fatal(err)
	}
	balance, err := decimal.NewFromString(con.Balance)
	if err != nil || !balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("contractor balance = %s, want 500", con.Balance)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/"+order.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get order: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatal(err)
	}
	if order.Status != "completed" {
		t.Fatalf("order status = %s, want completed", order.Status)
	}
	if order.Milestones[0].PayoutStatus != "paid" {
		t.Fatalf("payout = %s, want paid", order.Milestones[0].PayoutStatus)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{"id": "alice", "role": "customer"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}

	// overdraw -> 422 insufficient_funds
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/alice/withdraw", map[string]any{"amount": "100.00"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("overdraw status = %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "insufficient_funds" {
		t.Fatalf("code = %s, want insufficient_funds", code)
	}

	// unknown entity -> 404
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing order status = %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code = %s, want not_found", code)
	}

	// malformed amount -> 400
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/alice/deposit", map[string]any{"amount": "lots"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad amount status = %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/users", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials status = %d, want 401", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, u := range []map[string]any{
		{"id": "cust", "role": "customer"},
		{"id": "mallory", "role": "customer"},
	} {
		if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", u, nil); res.StatusCode != http.StatusCreated {
			t.Fatalf("create user: %d %s", res.StatusCode, string(data))
		}
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/mallory/deposit", map[string]any{"amount": "100.00"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("deposit: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{
		"title":        "Private build",
		"customer_ids": []string{"cust"},
		"milestones": []map[string]any{
			{"description": "One", "amount": "100.00", "deadline": "2026-06-01T00:00:00Z"},
		},
	}, as(t, "cust"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order: %d %s", res.StatusCode, string(data))
	}
	var order OrderResponse
	_ = json.Unmarshal(data, &order)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/fund", map[string]any{"amount": "100.00"}, as(t, "mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider funding status = %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %s, want forbidden", code)
	}
}
