package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"dvpchain/crypto"
	"dvpchain/native/settlement"
)

type initiateParams struct {
	ID             string `json:"id"`
	Seller         string `json:"seller"`
	Buyer          string `json:"buyer"`
	SecurityAsset  string `json:"securityAsset"`
	SecurityAmount string `json:"securityAmount"`
	CashAsset      string `json:"cashAsset"`
	CashAmount     string `json:"cashAmount"`
	Deadline       int64  `json:"deadline"`
}

type orderIDParams struct {
	ID string `json:"id"`
}

type depositParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type eventsParams struct {
	After uint64 `json:"after"`
}

type balanceParams struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
}

type approveParams struct {
	Asset  string `json:"asset"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

type orderJSON struct {
	ID             string `json:"id"`
	Seller         string `json:"seller"`
	Buyer          string `json:"buyer"`
	SecurityAsset  string `json:"securityAsset"`
	SecurityAmount string `json:"securityAmount"`
	CashAsset      string `json:"cashAsset"`
	CashAmount     string `json:"cashAmount"`
	Deadline       int64  `json:"deadline"`
	CreatedAt      int64  `json:"createdAt"`
	SecurityLocked bool   `json:"securityLocked"`
	CashLocked     bool   `json:"cashLocked"`
	Settled        bool   `json:"settled"`
}

func orderToJSON(o *settlement.Order) *orderJSON {
	return &orderJSON{
		ID:             hex.EncodeToString(o.ID[:]),
		Seller:         crypto.NewAddress(o.Seller).String(),
		Buyer:          crypto.NewAddress(o.Buyer).String(),
		SecurityAsset:  o.SecurityAsset,
		SecurityAmount: o.SecurityAmount.String(),
		CashAsset:      o.CashAsset,
		CashAmount:     o.CashAmount.String(),
		Deadline:       o.Deadline,
		CreatedAt:      o.CreatedAt,
		SecurityLocked: o.SecurityLocked,
		CashLocked:     o.CashLocked,
		Settled:        o.Settled,
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseBech32Address(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Bytes(), nil
}

func parseOrderID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("order id must be hex: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("order id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base-10 integer")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// parseNonNegativeBigInt admits zero, used where zero revokes a grant.
func parseNonNegativeBigInt(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base-10 integer")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

// writeEngineError maps the settlement error taxonomy onto the RPC error
// space so failures surface with a distinguishable reason.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, settlement.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, settlement.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, "not_found", err.Error())
	case errors.Is(err, settlement.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeForbidden, "forbidden", err.Error())
	case errors.Is(err, settlement.ErrAlreadyExists),
		errors.Is(err, settlement.ErrAlreadyLocked),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, settlement.ErrNotFunded),
		errors.Is(err, settlement.ErrExpired),
		errors.Is(err, settlement.ErrNotExpired),
		errors.Is(err, settlement.ErrTransferFailed):
		writeError(w, http.StatusConflict, id, codeConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeInternal, "internal_error", err.Error())
	}
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params initiateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	securityAmount, err := parsePositiveBigInt(params.SecurityAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	cashAmount, err := parsePositiveBigInt(params.CashAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	order, err := s.node.Initiate(id, seller, buyer, params.SecurityAsset, securityAmount, params.CashAsset, cashAmount, params.Deadline)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, orderToJSON(order))
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest, deposit func(id [32]byte, caller [20]byte) error) {
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := deposit(id, caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleDepositSecurity(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDeposit(w, req, s.node.DepositSecurity)
}

func (s *Server) handleDepositCash(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDeposit(w, req, s.node.DepositCash)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleTrigger(w, req, s.node.Settle)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleTrigger(w, req, s.node.Cancel)
}

func (s *Server) handleTrigger(w http.ResponseWriter, req *RPCRequest, trigger func(id [32]byte) error) {
	var params orderIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := trigger(id); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params orderIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	order, err := s.node.GetOrder(id)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, orderToJSON(order))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := eventsParams{}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	writeResult(w, req.ID, s.node.Events(params.After))
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.Balance(params.Asset, addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}

// handleTokenApprove grants the engine custody account an allowance over the
// owner's balance, the prerequisite for locking a leg.
func (s *Server) handleTokenApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params approveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Approve(params.Asset, owner, s.node.Custody(), amount); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}
