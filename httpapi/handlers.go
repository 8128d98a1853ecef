package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ineyio/quotagate"
)

const maxBodyBytes = 1 << 20

type generateRequest struct {
	Prompt    string `json:"prompt"`
	RequestID string `json:"request_id,omitempty"`
}

type generateResponse struct {
	Text      string    `json:"text"`
	Remaining quotaView `json:"remaining"`
	EventID   string    `json:"event_id"`
}

type quotaView struct {
	Unlimited bool   `json:"unlimited"`
	Remaining *int64 `json:"remaining,omitempty"`
}

func newQuotaView(q quotagate.Quota) quotaView {
	if q.IsUnlimited() {
		return quotaView{Unlimited: true}
	}
	n := q.Remaining()
	return quotaView{Remaining: &n}
}

type subscriptionView struct {
	Tier      string    `json:"tier"`
	ExpiresAt time.Time `json:"expires_at"`
}

type accountView struct {
	ID           string            `json:"id"`
	Handle       string            `json:"handle"`
	Admin        bool              `json:"admin"`
	Moderator    bool              `json:"moderator"`
	SuperAdmin   bool              `json:"super_admin"`
	Quota        quotaView         `json:"quota"`
	TotalUsed    int64             `json:"total_used"`
	Banned       bool              `json:"banned"`
	BanExpiresAt *time.Time        `json:"ban_expires_at,omitempty"`
	Subscription *subscriptionView `json:"subscription,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

func newAccountView(acc quotagate.Account) accountView {
	v := accountView{
		ID:           acc.ID,
		Handle:       acc.Handle,
		Admin:        acc.Roles.Admin,
		Moderator:    acc.Roles.Moderator,
		SuperAdmin:   acc.Roles.SuperAdmin,
		Quota:        newQuotaView(acc.Quota),
		TotalUsed:    acc.TotalUsed,
		Banned:       acc.Banned,
		BanExpiresAt: acc.BanExpiresAt,
		CreatedAt:    acc.CreatedAt,
	}
	if acc.Subscription != nil {
		v.Subscription = &subscriptionView{Tier: acc.Subscription.Tier, ExpiresAt: acc.Subscription.ExpiresAt}
	}
	return v
}

type meResponse struct {
	Account  accountView  `json:"account"`
	Decision decisionView `json:"decision"`
}

type decisionView struct {
	Allowed     bool       `json:"allowed"`
	Reason      string     `json:"reason,omitempty"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
}

func newDecisionView(d quotagate.Decision) decisionView {
	v := decisionView{Allowed: d.Allowed, BannedUntil: d.BannedUntil}
	if !d.Allowed {
		v.Reason = d.Reason.String()
	}
	return v
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	acc, _ := accountFrom(r.Context())

	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	res, err := s.service.Generate(r.Context(), acc.ID, quotagate.Request{
		Prompt:    req.Prompt,
		RequestID: req.RequestID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Text:      res.Text,
		Remaining: newQuotaView(res.Remaining),
		EventID:   res.Event.ID,
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	acc, _ := accountFrom(r.Context())

	d, err := s.service.Gate().Authorize(r.Context(), acc.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// Authorize may have healed a lapsed ban; show the stored state.
	acc, err = s.service.Gate().Account(r.Context(), acc.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		Account:  newAccountView(acc),
		Decision: newDecisionView(d),
	})
}

func (s *Server) suspicious(w http.ResponseWriter, r *http.Request) {
	acc, _ := accountFrom(r.Context())
	if !acc.Roles.Privileged() && !acc.Roles.Moderator {
		s.fail(w, r, quotagate.ErrUnauthorized)
		return
	}

	lookback := s.lookback
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.fail(w, r, fmt.Errorf("%w: since must be a positive duration", quotagate.ErrInvalidArgument))
			return
		}
		lookback = d
	}

	report, err := s.reporter.Report(r.Context(), s.now().Add(-lookback))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	type burstView struct {
		AccountID string    `json:"account_id"`
		Count     int       `json:"count"`
		Start     time.Time `json:"start"`
		End       time.Time `json:"end"`
	}
	out := struct {
		Bursts      []burstView   `json:"bursts"`
		NewlyHeavy  []accountView `json:"newly_heavy"`
		GeneratedAt time.Time     `json:"generated_at"`
	}{
		Bursts:      make([]burstView, 0, len(report.Bursts)),
		NewlyHeavy:  make([]accountView, 0, len(report.NewlyHeavy)),
		GeneratedAt: report.GeneratedAt,
	}
	for _, b := range report.Bursts {
		out.Bursts = append(out.Bursts, burstView(b))
	}
	for _, a := range report.NewlyHeavy {
		out.NewlyHeavy = append(out.NewlyHeavy, newAccountView(a))
	}

	writeJSON(w, http.StatusOK, out)
}

type accountsResponse struct {
	Accounts []accountView `json:"accounts"`
}

func newAccountsResponse(accounts []quotagate.Account) accountsResponse {
	out := accountsResponse{Accounts: make([]accountView, 0, len(accounts))}
	for _, a := range accounts {
		out.Accounts = append(out.Accounts, newAccountView(a))
	}
	return out
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	n := quotagate.DefaultLeaderboardSize
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			s.fail(w, r, fmt.Errorf("%w: n must be between 1 and 100", quotagate.ErrInvalidArgument))
			return
		}
		n = v
	}

	accounts, err := s.admin.Leaderboard(r.Context(), n)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	type entry struct {
		Rank      int    `json:"rank"`
		Handle    string `json:"handle"`
		TotalUsed int64  `json:"total_used"`
	}
	out := struct {
		Leaders []entry `json:"leaders"`
	}{Leaders: make([]entry, 0, len(accounts))}
	for i, a := range accounts {
		out.Leaders = append(out.Leaders, entry{Rank: i + 1, Handle: a.Handle, TotalUsed: a.TotalUsed})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	caller, _ := accountFrom(r.Context())
	accounts, err := s.admin.ListAccounts(r.Context(), caller.ID, r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountsResponse(accounts))
}

type bulkOp func(ctx context.Context, callerID string, handles []string) ([]quotagate.BulkResult, error)

// runBulk answers 200 with one entry per handle; failed handles carry an
// error code instead of the account.
func (s *Server) runBulk(w http.ResponseWriter, r *http.Request, op bulkOp) {
	var body struct {
		Handles []string `json:"handles"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	caller, _ := accountFrom(r.Context())
	results, err := op(r.Context(), caller.ID, body.Handles)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	type resultView struct {
		Handle  string       `json:"handle"`
		Account *accountView `json:"account,omitempty"`
		Error   string       `json:"error,omitempty"`
	}
	out := struct {
		Results []resultView `json:"results"`
	}{Results: make([]resultView, 0, len(results))}
	for _, res := range results {
		v := resultView{Handle: res.Handle}
		if res.Err != nil {
			_, v.Error = statusFor(res.Err)
		} else {
			view := newAccountView(res.Account)
			v.Account = &view
		}
		out.Results = append(out.Results, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) banMany(w http.ResponseWriter, r *http.Request) {
	s.runBulk(w, r, s.admin.BanMany)
}

func (s *Server) unbanMany(w http.ResponseWriter, r *http.Request) {
	s.runBulk(w, r, s.admin.UnbanMany)
}

// adminOp is an Admin call against the {handle} path parameter.
type adminOp func(ctx context.Context, callerID, handle string) (quotagate.Account, error)

func (s *Server) runAdmin(w http.ResponseWriter, r *http.Request, op adminOp) {
	caller, _ := accountFrom(r.Context())
	acc, err := op(r.Context(), caller.ID, chi.URLParam(r, "handle"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acc))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, s.admin.Lookup)
}

func (s *Server) grantAdmin(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, s.admin.GrantAdmin)
}

func (s *Server) revokeAdmin(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, s.admin.RevokeAdmin)
}

func (s *Server) grantModerator(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, s.admin.GrantModerator)
}

func (s *Server) revokeModerator(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, s.admin.RevokeModerator)
}

func (s *Server) grantSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tier string `json:"tier"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.runAdmin(w, r, func(ctx context.Context, callerID, handle string) (quotagate.Account, error) {
		return s.admin.GrantSubscription(ctx, callerID, handle, body.Tier)
	})
}

func (s *Server) revokeSubscription(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, s.admin.RevokeSubscription)
}

// ban bans permanently unless a positive number of days is given.
func (s *Server) ban(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Days int `json:"days"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	if body.Days == 0 {
		s.runAdmin(w, r, s.admin.Ban)
		return
	}
	s.runAdmin(w, r, func(ctx context.Context, callerID, handle string) (quotagate.Account, error) {
		return s.admin.TempBan(ctx, callerID, handle, body.Days)
	})
}

func (s *Server) unban(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, s.admin.Unban)
}

// adjustUses grants a positive delta and removes a negative one.
func (s *Server) adjustUses(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delta int64 `json:"delta"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.runAdmin(w, r, func(ctx context.Context, callerID, handle string) (quotagate.Account, error) {
		if body.Delta < 0 {
			return s.admin.RemoveUses(ctx, callerID, handle, -body.Delta)
		}
		return s.admin.GrantUses(ctx, callerID, handle, body.Delta)
	})
}

func (s *Server) setUnlimited(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.runAdmin(w, r, func(ctx context.Context, callerID, handle string) (quotagate.Account, error) {
		return s.admin.SetUnlimited(ctx, callerID, handle, body.Enabled)
	})
}

func (s *Server) changeHandle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handle string `json:"handle"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.runAdmin(w, r, func(ctx context.Context, callerID, handle string) (quotagate.Account, error) {
		return s.admin.ChangeHandle(ctx, callerID, handle, body.Handle)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed JSON body")
		return false
	}
	return true
}

// fail maps err onto a status code and error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var denied *quotagate.DeniedError
	if errors.As(err, &denied) {
		writeDenied(w, denied.Decision)
		return
	}

	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, quotagate.ErrInvalidArgument), errors.Is(err, quotagate.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, quotagate.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, quotagate.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, quotagate.ErrHandleTaken):
		return http.StatusConflict, "handle_taken"
	case errors.Is(err, quotagate.ErrHandleCooldown):
		return http.StatusConflict, "handle_cooldown"
	case errors.Is(err, quotagate.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, quotagate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case quotagate.IsGeneratorFailure(err):
		return http.StatusBadGateway, "generator_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeDenied(w http.ResponseWriter, d quotagate.Decision) {
	status := http.StatusForbidden
	switch d.Reason {
	case quotagate.ReasonUnauthenticated:
		status = http.StatusUnauthorized
	case quotagate.ReasonQuotaExhausted:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":     "denied",
			"message":  d.String(),
			"decision": newDecisionView(d),
		},
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
