package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"paystream/internal/ledger"
	logx "paystream/pkg/logx"
)

type stubSender struct {
	mu   sync.Mutex
	sent int
}

func (s *stubSender) Send(ctx context.Context, dest string, amount uint64) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

type fixture struct {
	handler http.Handler
	led     *ledger.Ledger
	clock   *time.Time
	clockMu *sync.Mutex
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	led := ledger.New(
		ledger.WithSender(&stubSender{}),
		ledger.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}),
	)
	svc := New(cfg, led, logx.Nop())
	return &fixture{handler: svc.routes(cfg), led: led, clock: &now, clockMu: &mu}
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	*f.clock = f.clock.Add(d)
	f.clockMu.Unlock()
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestDepositAndBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	if w := f.do(t, "POST", "/v1/deposit", `{"amount":100}`, ""); w.Code != http.StatusOK {
		t.Fatalf("deposit status = %d, body %s", w.Code, w.Body.String())
	}
	if w := f.do(t, "POST", "/v1/deposit", `{"amount":0}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("zero deposit status = %d, want 400", w.Code)
	}

	w := f.do(t, "GET", "/v1/balance", "", "")
	got := decode[map[string]uint64](t, w)
	if got["balance"] != 100 || got["escrow_total"] != 0 {
		t.Fatalf("balance = %v", got)
	}
}

func TestAdminAuthGating(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true, AdminToken: "sekrit"})
	body := `{"recipient":"0xaa","amount":10,"interval":"30s"}`

	if w := f.do(t, "POST", "/v1/recipients", body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("tokenless add status = %d, want 401", w.Code)
	}
	if w := f.do(t, "POST", "/v1/recipients", body, "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad-token add status = %d, want 401", w.Code)
	}
	if w := f.do(t, "POST", "/v1/recipients", body, "sekrit"); w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body %s", w.Code, w.Body.String())
	}
	if w := f.do(t, "POST", "/v1/recipients", body, "sekrit"); w.Code != http.StatusConflict {
		t.Fatalf("duplicate add status = %d, want 409", w.Code)
	}

	if w := f.do(t, "DELETE", "/v1/recipients/0xzz", "", "sekrit"); w.Code != http.StatusNotFound {
		t.Fatalf("remove unknown status = %d, want 404", w.Code)
	}
	if w := f.do(t, "DELETE", "/v1/recipients/0xaa", "", "sekrit"); w.Code != http.StatusOK {
		t.Fatalf("remove status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestDueSettleWithdrawFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	f.do(t, "POST", "/v1/deposit", `{"amount":100}`, "")
	if w := f.do(t, "POST", "/v1/recipients", `{"recipient":"0xaa","amount":10,"interval":"30s"}`, ""); w.Code != http.StatusCreated {
		t.Fatalf("add status = %d", w.Code)
	}

	type dueResp struct {
		HasDue     bool     `json:"has_due"`
		Token      string   `json:"token"`
		Candidates []string `json:"candidates"`
	}

	due := decode[dueResp](t, f.do(t, "GET", "/v1/due", "", ""))
	if due.HasDue {
		t.Fatal("payment due before the interval elapsed")
	}

	f.advance(31 * time.Second)
	due = decode[dueResp](t, f.do(t, "GET", "/v1/due", "", ""))
	if !due.HasDue || due.Token == "" || len(due.Candidates) != 1 {
		t.Fatalf("due = %+v", due)
	}

	w := f.do(t, "POST", "/v1/settle", `{"token":"`+due.Token+`"}`, "")
	rep := decode[ledger.Report](t, w)
	if rep.Settled != 1 {
		t.Fatalf("settle report = %+v", rep)
	}

	// Replaying the same token is harmless.
	rep = decode[ledger.Report](t, f.do(t, "POST", "/v1/settle", `{"token":"`+due.Token+`"}`, ""))
	if rep.Settled != 0 || rep.Skipped != 1 {
		t.Fatalf("replayed settle report = %+v", rep)
	}

	if w := f.do(t, "POST", "/v1/settle", `{"token":"%%%"}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("garbage token status = %d, want 400", w.Code)
	}

	wd := decode[map[string]any](t, f.do(t, "POST", "/v1/withdraw", `{"recipient":"0xaa"}`, ""))
	if wd["amount"].(float64) != 10 {
		t.Fatalf("withdraw = %v", wd)
	}

	status := decode[map[string]any](t, f.do(t, "GET", "/v1/recipients/0xaa", "", ""))
	if status["registered"] != true || status["escrow"].(float64) != 0 {
		t.Fatalf("recipient status = %v", status)
	}
	if w := f.do(t, "GET", "/v1/recipients/0xzz", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown recipient status = %d, want 404", w.Code)
	}
}

func TestAdminWithdrawSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	f.do(t, "POST", "/v1/deposit", `{"amount":42}`, "")
	got := decode[map[string]any](t, f.do(t, "POST", "/v1/admin/withdraw", `{"destination":"0xadmin"}`, ""))
	if got["amount"].(float64) != 42 {
		t.Fatalf("sweep = %v", got)
	}
	bal := decode[map[string]uint64](t, f.do(t, "GET", "/v1/balance", "", ""))
	if bal["balance"] != 0 {
		t.Fatalf("balance after sweep = %v", bal)
	}
}

func TestRateLimitAppliesToMutatingEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true, RatePerSec: 1, Burst: 1})

	if w := f.do(t, "POST", "/v1/deposit", `{"amount":1}`, ""); w.Code != http.StatusOK {
		t.Fatalf("first deposit status = %d", w.Code)
	}
	if w := f.do(t, "POST", "/v1/deposit", `{"amount":1}`, ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second deposit status = %d, want 429", w.Code)
	}
	// Read endpoints are never limited.
	if w := f.do(t, "GET", "/v1/balance", "", ""); w.Code != http.StatusOK {
		t.Fatalf("balance status = %d", w.Code)
	}
}
