package server

import "net/http"

// Router wires every endpoint. Write operations accept an Idempotency-Key
// header; reads are query-parameter driven.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/accounts", s.createAccount)
	mux.HandleFunc("/accounts/balance", s.balance)
	mux.HandleFunc("/transfer", s.transfer)
	mux.HandleFunc("/deposit", s.deposit)
	mux.HandleFunc("/withdraw", s.withdraw)
	mux.HandleFunc("/reverse", s.reverse)
	mux.HandleFunc("/history", s.history)
	mux.HandleFunc("/admin/stats", s.adminStats)
	mux.HandleFunc("/admin/audit", s.adminAudit)
	return mux
}
