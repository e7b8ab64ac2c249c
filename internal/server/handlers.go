package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"paystream/internal/ledger"
	logx "paystream/pkg/logx"
)

func (s *Service) routes(cfg Config) http.Handler {
	mux := http.NewServeMux()

	admin := func(h http.HandlerFunc) http.HandlerFunc { return s.withAdminAuth(cfg.AdminToken, h) }
	limited := func(h http.HandlerFunc) http.HandlerFunc { return s.withRateLimit(h) }

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Public surface.
	mux.HandleFunc("POST /v1/deposit", limited(s.handleDeposit))
	mux.HandleFunc("GET /v1/due", s.handleDue)
	mux.HandleFunc("POST /v1/settle", limited(s.handleSettle))
	mux.HandleFunc("POST /v1/withdraw", limited(s.handleWithdraw))
	mux.HandleFunc("GET /v1/recipients", s.handleListRecipients)
	mux.HandleFunc("GET /v1/recipients/{recipient}", s.handleGetRecipient)
	mux.HandleFunc("GET /v1/balance", s.handleBalance)

	// Privileged surface.
	mux.HandleFunc("POST /v1/recipients", admin(s.handleAddRecipient))
	mux.HandleFunc("DELETE /v1/recipients/{recipient}", admin(s.handleRemoveRecipient))
	mux.HandleFunc("POST /v1/admin/withdraw", admin(s.handleAdminWithdraw))

	return mux
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var detail string
	if sup := s.Supervisor(); sup != nil {
		if err := sup.Err(); err != nil {
			status = "degraded"
			detail = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "detail": detail})
}

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.led.Deposit(r.Context(), req.Amount); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": s.led.ContractBalance()})
}

func (s *Service) handleDue(w http.ResponseWriter, r *http.Request) {
	has, cands := s.led.CheckDue()
	resp := struct {
		HasDue     bool     `json:"has_due"`
		Token      string   `json:"token,omitempty"`
		Candidates []string `json:"candidates,omitempty"`
	}{HasDue: has, Candidates: cands}
	if has {
		resp.Token = cands.Token()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string   `json:"token"`
		Candidates []string `json:"candidates"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var cands ledger.Candidates
	switch {
	case req.Token != "":
		var err error
		cands, err = ledger.ParseToken(req.Token)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
	case len(req.Candidates) > 0:
		cands = req.Candidates
	default:
		// No selection given: settle whatever is due right now.
		_, cands = s.led.CheckDue()
	}

	rep := s.led.Settle(r.Context(), cands)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Recipient) == "" {
		writeError(w, http.StatusBadRequest, "recipient required")
		return
	}

	amount, err := s.led.Withdraw(r.Context(), req.Recipient)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recipient": req.Recipient,
		"amount":    amount,
		"escrow":    s.led.EscrowBalance(req.Recipient),
	})
}

func (s *Service) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	snap := s.led.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	recipient := r.PathValue("recipient")
	sched, ok := s.led.Schedule(recipient)
	escrow := s.led.EscrowBalance(recipient)
	if !ok && escrow == 0 {
		writeError(w, http.StatusNotFound, "unknown recipient")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Recipient  string          `json:"recipient"`
		Registered bool            `json:"registered"`
		Schedule   *ledger.Schedule `json:"schedule,omitempty"`
		Escrow     uint64          `json:"escrow"`
	}{
		Recipient:  recipient,
		Registered: ok,
		Schedule:   schedOrNil(sched, ok),
		Escrow:     escrow,
	})
}

func schedOrNil(s ledger.Schedule, ok bool) *ledger.Schedule {
	if !ok {
		return nil
	}
	return &s
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	snap := s.led.Snapshot()
	writeJSON(w, http.StatusOK, map[string]uint64{
		"balance":      snap.Balance,
		"escrow_total": snap.EscrowTotal,
	})
}

func (s *Service) handleAddRecipient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
		Amount    uint64 `json:"amount"`
		Interval  string `json:"interval"` // Go duration string
	}
	if !decodeBody(w, r, &req) {
		return
	}
	interval, err := time.ParseDuration(strings.TrimSpace(req.Interval))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
		return
	}
	if err := s.led.AddRecipient(r.Context(), req.Recipient, req.Amount, interval); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"recipient": req.Recipient})
}

func (s *Service) handleRemoveRecipient(w http.ResponseWriter, r *http.Request) {
	recipient := r.PathValue("recipient")
	if !s.led.RemoveRecipient(r.Context(), recipient) {
		writeError(w, http.StatusNotFound, "unknown recipient")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recipient": recipient,
		// Escrow survives removal; report it so operators aren't surprised.
		"escrow": s.led.EscrowBalance(recipient),
	})
}

func (s *Service) handleAdminWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destination string `json:"destination"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := s.led.AdminWithdraw(r.Context(), req.Destination)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"destination": req.Destination,
		"amount":      amount,
	})
}

// ---- middleware ----

func (s *Service) withAdminAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(w http.ResponseWriter, r *http.Request) {
		if tok == "" {
			// Loopback-only deployments may run tokenless; serveOnce refuses
			// non-loopback binds without a token.
			h(w, r)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
}

func (s *Service) withRateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		lim := s.limiter
		s.mu.Unlock()
		if lim != nil && !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		h(w, r)
	}
}

// ---- plumbing ----

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidRecipient),
		errors.Is(err, ledger.ErrInvalidSchedule),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrDuplicateRecipient):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrWithdrawalFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("unhandled ledger error", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
