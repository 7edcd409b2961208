package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/smartpay/wallet-ledger/internal/interfaces"
	"github.com/smartpay/wallet-ledger/internal/ledger"
	"github.com/smartpay/wallet-ledger/internal/models"
	"github.com/smartpay/wallet-ledger/internal/query"
)

// Server is the HTTP boundary over the ledger core. It trusts the caller's
// identity as already verified upstream; the accounts named in a request
// are opaque identifiers to it.
type Server struct {
	engine   *ledger.Engine
	accounts interfaces.AccountStore
	queries  *query.Service
}

func NewServer(engine *ledger.Engine, accounts interfaces.AccountStore, queries *query.Service) *Server {
	return &Server{engine: engine, accounts: accounts, queries: queries}
}

// idempotencyKey honors the Idempotency-Key header first (as clients
// typically send it) with a body-field fallback.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return bodyKey
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// accounts handles POST /accounts. New accounts open with a zero balance;
// funds only ever arrive through the engine, never at creation.
func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID      string `json:"id"`
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	acc := models.Account{
		ID:        req.ID,
		OwnerID:   req.OwnerID,
		Balance:   decimal.Zero,
		Reserved:  decimal.Zero,
		Status:    models.AccountActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.accounts.CreateAccount(r.Context(), acc); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id is a mandatory field", http.StatusBadRequest)
		return
	}
	bal, version, err := s.accounts.GetBalance(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AccountID   string          `json:"account_id"`
		Balance     decimal.Decimal `json:"balance"`
		AsOfVersion int64           `json:"as_of_version"`
	}{accountID, bal, version})
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		FromAccount    string          `json:"from_account"`
		ToAccount      string          `json:"to_account"`
		Amount         decimal.Decimal `json:"amount"`
		IdempotencyKey string          `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Transfer(r.Context(), req.FromAccount, req.ToAccount, req.Amount,
		idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	s.systemMovement(w, r, s.engine.Deposit)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.systemMovement(w, r, s.engine.Withdraw)
}

func (s *Server) systemMovement(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, account string, amount decimal.Decimal, idempotencyKey string) (ledger.Result, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Account        string          `json:"account"`
		Amount         decimal.Decimal `json:"amount"`
		IdempotencyKey string          `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := op(r.Context(), req.Account, req.Amount, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) reverse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		GroupID        string `json:"group_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Reverse(r.Context(), req.GroupID, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	accountID := q.Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id is a mandatory field", http.StatusBadRequest)
		return
	}
	filter := models.HistoryFilter{
		Type:   models.EntryType(q.Get("type")),
		Status: models.EntryStatus(q.Get("status")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.To = t
	}
	page, err := s.queries.History(r.Context(), accountID, filter, q.Get("page_token"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.queries.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) adminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id is a mandatory field", http.StatusBadRequest)
		return
	}
	report, err := s.queries.Audit(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
