package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smartpay/wallet-ledger/internal/ledger"
	"github.com/smartpay/wallet-ledger/internal/query"
	"github.com/smartpay/wallet-ledger/internal/storage/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.NewStore()
	engine := ledger.NewEngine(store, store, nil, ledger.Options{})
	queries := query.NewService(store, store, 2)
	ts := httptest.NewServer(NewServer(engine, store, queries).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func createFundedAccount(t *testing.T, ts *httptest.Server, id, funds string) {
	t.Helper()
	resp, _ := postJSON(t, ts.URL+"/accounts", map[string]any{"id": id, "owner_id": "owner-" + id}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create %s: status=%d", id, resp.StatusCode)
	}
	if funds != "" {
		resp, _ := postJSON(t, ts.URL+"/deposit",
			map[string]any{"account": id, "amount": funds, "idempotency_key": "seed-" + id}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed %s: status=%d", id, resp.StatusCode)
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := getJSON(t, ts.URL+"/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestTransferEndpoint(t *testing.T) {
	ts := newTestServer(t)
	createFundedAccount(t, ts, "A", "1000.00")
	createFundedAccount(t, ts, "B", "")

	resp, body := postJSON(t, ts.URL+"/transfer", map[string]any{
		"from_account": "A",
		"to_account":   "B",
		"amount":       "300.00",
	}, map[string]string{"Idempotency-Key": "k1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer status=%d body=%v", resp.StatusCode, body)
	}
	if body["status"] != "completed" {
		t.Fatalf("status=%v want completed", body["status"])
	}
	balances, ok := body["balances"].(map[string]any)
	if !ok {
		t.Fatalf("balances missing: %v", body)
	}
	if balances["A"] != "700" || balances["B"] != "300" {
		t.Fatalf("balances=%v want A=700 B=300", balances)
	}

	// Retried request with the same header key replays the same group.
	resp2, body2 := postJSON(t, ts.URL+"/transfer", map[string]any{
		"from_account": "A",
		"to_account":   "B",
		"amount":       "300.00",
	}, map[string]string{"Idempotency-Key": "k1"})
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("replay status=%d", resp2.StatusCode)
	}
	if body2["group_id"] != body["group_id"] {
		t.Fatalf("replay group=%v want %v", body2["group_id"], body["group_id"])
	}

	resp3, body3 := getJSON(t, ts.URL+"/accounts/balance?account_id=A")
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("balance status=%d", resp3.StatusCode)
	}
	if body3["balance"] != "700" {
		t.Fatalf("balance=%v want 700", body3["balance"])
	}
}

func TestTransferErrors(t *testing.T) {
	ts := newTestServer(t)
	createFundedAccount(t, ts, "A", "50.00")
	createFundedAccount(t, ts, "B", "")

	cases := []struct {
		name   string
		body   map[string]any
		status int
		kind   string
	}{
		{"insufficient", map[string]any{"from_account": "A", "to_account": "B", "amount": "100.00"}, http.StatusConflict, "insufficient_funds"},
		{"bad amount", map[string]any{"from_account": "A", "to_account": "B", "amount": "0"}, http.StatusBadRequest, "invalid_amount"},
		{"same account", map[string]any{"from_account": "A", "to_account": "A", "amount": "10"}, http.StatusBadRequest, "invalid_operation"},
		{"unknown account", map[string]any{"from_account": "ghost", "to_account": "B", "amount": "10"}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		resp, body := postJSON(t, ts.URL+"/transfer", tc.body, nil)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status=%d want %d (body=%v)", tc.name, resp.StatusCode, tc.status, body)
		}
		if body["error"] != tc.kind {
			t.Fatalf("%s: kind=%v want %s", tc.name, body["error"], tc.kind)
		}
	}

	// The failed attempts changed nothing.
	_, body := getJSON(t, ts.URL+"/accounts/balance?account_id=A")
	if body["balance"] != "50" {
		t.Fatalf("A=%v want 50", body["balance"])
	}
}

func TestWithdrawAndReverseEndpoints(t *testing.T) {
	ts := newTestServer(t)
	createFundedAccount(t, ts, "A", "500.00")
	createFundedAccount(t, ts, "B", "")

	resp, body := postJSON(t, ts.URL+"/withdraw",
		map[string]any{"account": "A", "amount": "100.00", "idempotency_key": "wd"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("withdraw status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, ts.URL+"/transfer",
		map[string]any{"from_account": "A", "to_account": "B", "amount": "200.00", "idempotency_key": "tx"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer status=%d", resp.StatusCode)
	}
	groupID, _ := body["group_id"].(string)

	resp, body = postJSON(t, ts.URL+"/reverse",
		map[string]any{"group_id": groupID, "idempotency_key": "rev"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reverse status=%d body=%v", resp.StatusCode, body)
	}

	_, balA := getJSON(t, ts.URL+"/accounts/balance?account_id=A")
	if balA["balance"] != "400" {
		t.Fatalf("A=%v want 400", balA["balance"])
	}
	_, balB := getJSON(t, ts.URL+"/accounts/balance?account_id=B")
	if balB["balance"] != "0" {
		t.Fatalf("B=%v want 0", balB["balance"])
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	createFundedAccount(t, ts, "A", "500.00")
	createFundedAccount(t, ts, "B", "")
	for i := 0; i < 3; i++ {
		resp, _ := postJSON(t, ts.URL+"/transfer", map[string]any{
			"from_account":    "A",
			"to_account":      "B",
			"amount":          "10.00",
			"idempotency_key": fmt.Sprintf("t%d", i),
		}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("transfer %d: status=%d", i, resp.StatusCode)
		}
	}

	// Page size is 2: A has 4 entries across 2 pages.
	resp, body := getJSON(t, ts.URL+"/history?account_id=A")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status=%d", resp.StatusCode)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("page1 entries=%d want 2", len(entries))
	}
	token, _ := body["next_page_token"].(string)
	if token == "" {
		t.Fatal("missing next_page_token")
	}
	resp, body = getJSON(t, ts.URL+"/history?account_id=A&page_token="+token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history page2 status=%d", resp.StatusCode)
	}
	entries, _ = body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("page2 entries=%d want 2", len(entries))
	}

	// Type filter narrows to the seed deposit.
	resp, body = getJSON(t, ts.URL+"/history?account_id=A&type=deposit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered history status=%d", resp.StatusCode)
	}
	entries, _ = body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("deposit entries=%d want 1", len(entries))
	}

	resp, _ = getJSON(t, ts.URL+"/history")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing account_id: status=%d", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	createFundedAccount(t, ts, "A", "100.00")
	createFundedAccount(t, ts, "B", "")
	resp, _ := postJSON(t, ts.URL+"/transfer",
		map[string]any{"from_account": "A", "to_account": "B", "amount": "40.00", "idempotency_key": "t"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer status=%d", resp.StatusCode)
	}

	resp, body := getJSON(t, ts.URL+"/admin/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status=%d", resp.StatusCode)
	}
	if body["total_volume"] != "140" {
		t.Fatalf("total_volume=%v want 140", body["total_volume"])
	}

	resp, body = getJSON(t, ts.URL+"/admin/audit?account_id=A")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status=%d", resp.StatusCode)
	}
	if body["consistent"] != true {
		t.Fatalf("audit inconsistent: %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/transfer")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /transfer status=%d want 405", resp.StatusCode)
	}
}
