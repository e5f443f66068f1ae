package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"dvpchain/core"
	"dvpchain/crypto"
	"dvpchain/native/token"
	"dvpchain/storage"
)

const (
	rpcTestNow      int64 = 1_000_000
	rpcTestDeadline int64 = rpcTestNow + 3600
)

type rpcTestEnv struct {
	server  *Server
	node    *core.Node
	handler http.Handler
	seller  crypto.Address
	buyer   crypto.Address
}

type testResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func fillAddr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func fillID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func fillIDHex(fill byte) string {
	id := fillID(fill)
	return hex.EncodeToString(id[:])
}

func newRPCTestEnv(t *testing.T) *rpcTestEnv {
	t.Helper()
	t.Setenv("DVP_RPC_TOKEN", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seller := fillAddr(0x01)
	buyer := fillAddr(0x02)
	custody := fillAddr(0xEE)
	node := core.NewNode(storage.NewMemDB(), custody, logger)
	node.SetNowFunc(func() int64 { return rpcTestNow })
	for _, asset := range []struct {
		symbol string
		holder [20]byte
		amount int64
	}{
		{"SECT", seller, 1000},
		{"CASH", buyer, 100000},
	} {
		ledger, err := token.NewLedger(asset.symbol, nil)
		if err != nil {
			t.Fatalf("new %s ledger: %v", asset.symbol, err)
		}
		if err := ledger.Mint(asset.holder, big.NewInt(asset.amount)); err != nil {
			t.Fatalf("mint %s: %v", asset.symbol, err)
		}
		if err := ledger.Approve(asset.holder, custody, big.NewInt(asset.amount)); err != nil {
			t.Fatalf("approve %s: %v", asset.symbol, err)
		}
		if err := node.RegisterAsset(ledger); err != nil {
			t.Fatalf("register %s: %v", asset.symbol, err)
		}
	}
	server := NewServer(node)
	return &rpcTestEnv{
		server:  server,
		node:    node,
		handler: server.Handler(),
		seller:  crypto.NewAddress(seller),
		buyer:   crypto.NewAddress(buyer),
	}
}

func (env *rpcTestEnv) call(t *testing.T, method string, params interface{}, headers map[string]string) (int, *testResponse) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, val := range headers {
		req.Header.Set(key, val)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	resp := &testResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func (env *rpcTestEnv) initiate(t *testing.T, id [32]byte) {
	t.Helper()
	status, resp := env.call(t, "dvp_initiate", initiateParams{
		ID:             hex.EncodeToString(id[:]),
		Seller:         env.seller.String(),
		Buyer:          env.buyer.String(),
		SecurityAsset:  "SECT",
		SecurityAmount: "50",
		CashAsset:      "CASH",
		CashAmount:     "5000",
		Deadline:       rpcTestDeadline,
	}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("initiate failed: status %d error %+v", status, resp.Error)
	}
}

func TestInitiateReturnsOrder(t *testing.T) {
	env := newRPCTestEnv(t)
	id := fillID(0xA1)
	env.initiate(t, id)

	status, resp := env.call(t, "dvp_get", orderIDParams{ID: "0x" + hex.EncodeToString(id[:])}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("get failed: status %d error %+v", status, resp.Error)
	}
	var order orderJSON
	if err := json.Unmarshal(resp.Result, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if order.ID != hex.EncodeToString(id[:]) {
		t.Fatalf("order id mismatch: %q", order.ID)
	}
	if order.Seller != env.seller.String() || order.Buyer != env.buyer.String() {
		t.Fatalf("parties mismatch: %q %q", order.Seller, order.Buyer)
	}
	if order.SecurityAmount != "50" || order.CashAmount != "5000" {
		t.Fatalf("amounts mismatch: %+v", order)
	}
	if order.SecurityLocked || order.CashLocked || order.Settled {
		t.Fatalf("fresh order must be unlocked: %+v", order)
	}
}

func TestInitiateRejectsMalformedParams(t *testing.T) {
	env := newRPCTestEnv(t)
	cases := []struct {
		name   string
		params initiateParams
	}{
		{"bad order id", initiateParams{ID: "zz", Seller: env.seller.String(), Buyer: env.buyer.String(), SecurityAsset: "SECT", SecurityAmount: "1", CashAsset: "CASH", CashAmount: "1", Deadline: rpcTestDeadline}},
		{"short order id", initiateParams{ID: "abcd", Seller: env.seller.String(), Buyer: env.buyer.String(), SecurityAsset: "SECT", SecurityAmount: "1", CashAsset: "CASH", CashAmount: "1", Deadline: rpcTestDeadline}},
		{"bad seller", initiateParams{ID: fillIDHex(0x01), Seller: "not-bech32", Buyer: env.buyer.String(), SecurityAsset: "SECT", SecurityAmount: "1", CashAsset: "CASH", CashAmount: "1", Deadline: rpcTestDeadline}},
		{"zero amount", initiateParams{ID: fillIDHex(0x02), Seller: env.seller.String(), Buyer: env.buyer.String(), SecurityAsset: "SECT", SecurityAmount: "0", CashAsset: "CASH", CashAmount: "1", Deadline: rpcTestDeadline}},
		{"non-numeric amount", initiateParams{ID: fillIDHex(0x03), Seller: env.seller.String(), Buyer: env.buyer.String(), SecurityAsset: "SECT", SecurityAmount: "1", CashAsset: "CASH", CashAmount: "many", Deadline: rpcTestDeadline}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := env.call(t, "dvp_initiate", tc.params, nil)
			if status != http.StatusBadRequest {
				t.Fatalf("status %d", status)
			}
			if resp.Error == nil || resp.Error.Code != codeInvalidParams {
				t.Fatalf("expected invalid_params, got %+v", resp.Error)
			}
		})
	}
}

func TestInitiateDuplicateConflicts(t *testing.T) {
	env := newRPCTestEnv(t)
	id := fillID(0xA2)
	env.initiate(t, id)
	status, resp := env.call(t, "dvp_initiate", initiateParams{
		ID:             hex.EncodeToString(id[:]),
		Seller:         env.seller.String(),
		Buyer:          env.buyer.String(),
		SecurityAsset:  "SECT",
		SecurityAmount: "1",
		CashAsset:      "CASH",
		CashAmount:     "1",
		Deadline:       rpcTestDeadline,
	}, nil)
	if status != http.StatusConflict {
		t.Fatalf("status %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeConflict {
		t.Fatalf("expected conflict, got %+v", resp.Error)
	}
}

func TestDepositUnauthorizedCallerForbidden(t *testing.T) {
	env := newRPCTestEnv(t)
	id := fillID(0xB1)
	env.initiate(t, id)
	status, resp := env.call(t, "dvp_depositSecurity", depositParams{
		ID:     hex.EncodeToString(id[:]),
		Caller: env.buyer.String(),
	}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("status %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeForbidden {
		t.Fatalf("expected forbidden, got %+v", resp.Error)
	}
}

func TestFullLifecycleOverRPC(t *testing.T) {
	env := newRPCTestEnv(t)
	id := fillID(0xB2)
	env.initiate(t, id)
	hexID := hex.EncodeToString(id[:])

	status, resp := env.call(t, "dvp_depositSecurity", depositParams{ID: hexID, Caller: env.seller.String()}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("deposit security: status %d error %+v", status, resp.Error)
	}
	status, resp = env.call(t, "dvp_depositCash", depositParams{ID: hexID, Caller: env.buyer.String()}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("deposit cash: status %d error %+v", status, resp.Error)
	}
	status, resp = env.call(t, "dvp_settle", orderIDParams{ID: hexID}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("settle: status %d error %+v", status, resp.Error)
	}

	status, resp = env.call(t, "token_balance", balanceParams{Asset: "SECT", Address: env.buyer.String()}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("balance: status %d error %+v", status, resp.Error)
	}
	var balance map[string]string
	if err := json.Unmarshal(resp.Result, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance["balance"] != "50" {
		t.Fatalf("buyer SECT balance: %q", balance["balance"])
	}

	// Settled orders conflict on a second trigger.
	status, resp = env.call(t, "dvp_settle", orderIDParams{ID: hexID}, nil)
	if status != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeConflict {
		t.Fatalf("re-settle: status %d error %+v", status, resp.Error)
	}

	status, resp = env.call(t, "dvp_events", nil, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("events: status %d error %+v", status, resp.Error)
	}
	var recorded []struct {
		Sequence uint64            `json:"sequence"`
		Type     string            `json:"type"`
		Attrs    map[string]string `json:"attributes"`
	}
	if err := json.Unmarshal(resp.Result, &recorded); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	wantTypes := []string{"dvp.initiated", "dvp.security_locked", "dvp.cash_locked", "dvp.settled"}
	if len(recorded) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(recorded))
	}
	for i, want := range wantTypes {
		if recorded[i].Type != want {
			t.Fatalf("event %d: got %q want %q", i, recorded[i].Type, want)
		}
	}
}

func TestGetUnknownOrderNotFound(t *testing.T) {
	env := newRPCTestEnv(t)
	status, resp := env.call(t, "dvp_get", orderIDParams{ID: fillIDHex(0xFF)}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("status %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("expected not_found, got %+v", resp.Error)
	}
}

func TestCancelBeforeDeadlineConflicts(t *testing.T) {
	env := newRPCTestEnv(t)
	id := fillID(0xC1)
	env.initiate(t, id)
	status, resp := env.call(t, "dvp_cancel", orderIDParams{ID: hex.EncodeToString(id[:])}, nil)
	if status != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeConflict {
		t.Fatalf("status %d error %+v", status, resp.Error)
	}
	// Past the deadline the cancellation goes through.
	env.node.SetNowFunc(func() int64 { return rpcTestDeadline + 1 })
	status, resp = env.call(t, "dvp_cancel", orderIDParams{ID: hex.EncodeToString(id[:])}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("cancel: status %d error %+v", status, resp.Error)
	}
}

func TestWriteGuardRequiresBearerToken(t *testing.T) {
	t.Setenv("DVP_RPC_TOKEN", "secret-token")
	env := newRPCTestEnvWithToken(t)
	id := fillID(0xD1)
	params := initiateParams{
		ID:             hex.EncodeToString(id[:]),
		Seller:         env.seller.String(),
		Buyer:          env.buyer.String(),
		SecurityAsset:  "SECT",
		SecurityAmount: "1",
		CashAsset:      "CASH",
		CashAmount:     "1",
		Deadline:       rpcTestDeadline,
	}
	status, resp := env.call(t, "dvp_initiate", params, nil)
	if status != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("missing token: status %d error %+v", status, resp.Error)
	}
	status, resp = env.call(t, "dvp_initiate", params, map[string]string{"Authorization": "Bearer wrong"})
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", status)
	}
	status, resp = env.call(t, "dvp_initiate", params, map[string]string{"Authorization": "Bearer secret-token"})
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("valid token: status %d error %+v", status, resp.Error)
	}
	// Reads stay open.
	status, resp = env.call(t, "dvp_get", orderIDParams{ID: hex.EncodeToString(id[:])}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("unauthenticated read: status %d error %+v", status, resp.Error)
	}
}

// newRPCTestEnvWithToken builds the env without resetting DVP_RPC_TOKEN so the
// caller controls the auth configuration.
func newRPCTestEnvWithToken(t *testing.T) *rpcTestEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seller := fillAddr(0x01)
	buyer := fillAddr(0x02)
	custody := fillAddr(0xEE)
	node := core.NewNode(storage.NewMemDB(), custody, logger)
	node.SetNowFunc(func() int64 { return rpcTestNow })
	for _, asset := range []struct {
		symbol string
		holder [20]byte
	}{{"SECT", seller}, {"CASH", buyer}} {
		ledger, err := token.NewLedger(asset.symbol, nil)
		if err != nil {
			t.Fatalf("new %s ledger: %v", asset.symbol, err)
		}
		if err := ledger.Mint(asset.holder, big.NewInt(1000)); err != nil {
			t.Fatalf("mint %s: %v", asset.symbol, err)
		}
		if err := node.RegisterAsset(ledger); err != nil {
			t.Fatalf("register %s: %v", asset.symbol, err)
		}
	}
	server := NewServer(node)
	return &rpcTestEnv{
		server:  server,
		node:    node,
		handler: server.Handler(),
		seller:  crypto.NewAddress(seller),
		buyer:   crypto.NewAddress(buyer),
	}
}

func TestUnknownMethodNotFound(t *testing.T) {
	env := newRPCTestEnv(t)
	status, resp := env.call(t, "dvp_unknown", nil, nil)
	if status != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("status %d error %+v", status, resp.Error)
	}
}

func TestRejectsNonPost(t *testing.T) {
	env := newRPCTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newRPCTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestTokenApproveEnablesDeposit(t *testing.T) {
	t.Setenv("DVP_RPC_TOKEN", "")
	env := newRPCTestEnvWithToken(t)
	id := fillID(0xE1)
	env.initiate(t, id)
	hexID := hex.EncodeToString(id[:])

	// No allowance yet, so the pull fails.
	status, resp := env.call(t, "dvp_depositSecurity", depositParams{ID: hexID, Caller: env.seller.String()}, nil)
	if status != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeConflict {
		t.Fatalf("deposit without approval: status %d error %+v", status, resp.Error)
	}

	status, resp = env.call(t, "token_approve", approveParams{Asset: "SECT", Owner: env.seller.String(), Amount: "50"}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("approve: status %d error %+v", status, resp.Error)
	}
	status, resp = env.call(t, "dvp_depositSecurity", depositParams{ID: hexID, Caller: env.seller.String()}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("deposit after approval: status %d error %+v", status, resp.Error)
	}
}

func TestTokenApproveZeroRevokesAllowance(t *testing.T) {
	env := newRPCTestEnv(t)
	id := fillID(0xE2)
	env.initiate(t, id)

	status, resp := env.call(t, "token_approve", approveParams{Asset: "SECT", Owner: env.seller.String(), Amount: "0"}, nil)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("revoke: status %d error %+v", status, resp.Error)
	}
	// The custody pull now has no allowance to spend.
	status, resp = env.call(t, "dvp_depositSecurity", depositParams{ID: hex.EncodeToString(id[:]), Caller: env.seller.String()}, nil)
	if status != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeConflict {
		t.Fatalf("deposit after revoke: status %d error %+v", status, resp.Error)
	}

	status, resp = env.call(t, "token_approve", approveParams{Asset: "SECT", Owner: env.seller.String(), Amount: "-1"}, nil)
	if status != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("negative approve: status %d error %+v", status, resp.Error)
	}
}
