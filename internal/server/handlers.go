package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/service"
	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/go-chi/chi/v5"
)

const (
	msgNoBanned       = "No banned accounts available"
	msgAccountMissing = "Account not found"
	msgNoHandoff      = "No record found for this device"
	msgNoReport       = "Report not found"
)

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]string{"version": BinaryVersion}, "Auto Login Service API")
}

// Accounts

func (s *Server) handleRandomBanned(w http.ResponseWriter, r *http.Request) {
	p, err := s.accounts.TakeNextBannedAccount(r.Context())
	if err != nil {
		respondErr(w, s.log, err, msgNoBanned)
		return
	}
	respondOK(w, p, "")
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.accounts.ResolveAccountStatus(r.Context(), r.URL.Query().Get("phoneNumber"))
	if err != nil {
		respondErr(w, s.log, err, msgAccountMissing)
		return
	}
	respondOK(w, res, "")
}

func (s *Server) handleInactive(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondErr(w, s.log, service.ErrInvalidDays, "")
			return
		}
		days = n
	}
	list, err := s.accounts.ListInactive(r.Context(), days)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, list, "")
}

func (s *Server) handleMarkHandled(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	res, err := s.accounts.MarkAccountHandled(r.Context(), p["phoneNumber"])
	if err != nil {
		respondErr(w, s.log, err, msgAccountMissing)
		return
	}
	respondOK(w, res, "Account marked as handled")
}

type loginUpdate struct {
	PhoneNumber string         `json:"phoneNumber"`
	LastLogin   time.Time      `json:"lastLogin"`
	DBSource    account.Source `json:"dbSource"`
}

func (s *Server) handleUpdateLogin(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	a, err := s.accounts.UpdateLastLogin(r.Context(), p["phoneNumber"])
	if err != nil {
		respondErr(w, s.log, err, msgAccountMissing)
		return
	}
	respondOK(w, loginUpdate{PhoneNumber: a.PhoneNumber, LastLogin: a.LastLogin, DBSource: a.DBSource},
		"Last login updated")
}

func (s *Server) handleHandledBanned(w http.ResponseWriter, r *http.Request) {
	src := account.Source(r.URL.Query().Get("source"))
	if src == "" {
		src = account.SourceMain
	}
	list, err := s.accounts.ListHandledBanned(r.Context(), src)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, list, "")
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, s.accounts.CacheStats(), "")
}

// Permanent-ban reports

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	rec, err := s.reports.Create(p["phoneNumber"], p["remarks"])
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Status: statusSuccess, Data: rec, Message: "Report filed"})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.reports.List(service.ReportFilter{Source: q.Get("source"), Status: q.Get("status")})
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, recs, "")
}

func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	u := service.ReportUpdate{Status: p["status"]}
	if remarks, ok := p.lookup("remarks"); ok {
		u.Remarks = &remarks
	}
	rec, err := s.reports.Update(r.Context(), chi.URLParam(r, "phoneNumber"), u)
	if err != nil {
		respondErr(w, s.log, err, msgNoReport)
		return
	}
	s.log.Info().Str("operator", operatorFrom(r.Context())).Str("phone", account.MaskPhone(rec.PhoneNumber)).
		Str("status", rec.Status).Msg("report reviewed")
	respondOK(w, rec, "Report updated")
}

// Login handoff

func (s *Server) handlePushNeedLogin(w http.ResponseWriter, r *http.Request) {
	s.pushHandoff(w, r, s.handoffs.PushNeedLogin, "Login request recorded")
}

func (s *Server) handlePushNeedScan(w http.ResponseWriter, r *http.Request) {
	s.pushHandoff(w, r, s.handoffs.PushNeedScan, "Scan request recorded")
}

func (s *Server) handleGetNeedLogin(w http.ResponseWriter, r *http.Request) {
	s.takeHandoff(w, r, s.handoffs.GetNeedLogin)
}

func (s *Server) handleGetNeedScan(w http.ResponseWriter, r *http.Request) {
	s.takeHandoff(w, r, s.handoffs.GetNeedScan)
}

func (s *Server) pushHandoff(w http.ResponseWriter, r *http.Request,
	push func(name, phoneDevice string) (storage.Handoff, error), msg string) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	if _, err := push(p["name"], p["phone_device"]); err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, nil, msg)
}

func (s *Server) takeHandoff(w http.ResponseWriter, r *http.Request,
	take func(phoneDevice string) (*storage.Handoff, error)) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	rec, err := take(p["phone_device"])
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	if rec == nil {
		respondEmpty(w, msgNoHandoff)
		return
	}
	respondOK(w, rec, "")
}

// Video-call gating

func (s *Server) handleVideoCallStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.calls.Check(r.Context(), q.Get("accountPhone"), q.Get("recipientPhone"))
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, res, res.Message)
}

func (s *Server) handleVideoCallComplete(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	key := p["conversationKey"]
	if err := s.calls.Complete(r.Context(), key); err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, map[string]any{"conversationKey": key, "hasVideoCall": true}, "Video call recorded")
}

func (s *Server) handleListVideoCalls(w http.ResponseWriter, r *http.Request) {
	list, err := s.calls.List(r.Context())
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, list, "")
}

func (s *Server) handleResetVideoCall(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	key := p["conversationKey"]
	if err := s.calls.Reset(r.Context(), key); err != nil {
		respondErr(w, s.log, err, "")
		return
	}
	respondOK(w, map[string]any{"conversationKey": key, "hasVideoCall": false}, "Video call reset")
}

func (s *Server) handleCallsDisabled(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusServiceUnavailable, "video-call gating is not configured")
}
