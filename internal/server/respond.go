package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/service"
	"github.com/developingchet/autologin-svc/internal/videocall"
	"github.com/rs/zerolog"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	maxBodyBytes = 1 << 20
)

// envelope is the response body of every API route.
type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func respondOK(w http.ResponseWriter, data any, msg string) {
	writeJSON(w, http.StatusOK, envelope{Status: statusSuccess, Data: data, Message: msg})
}

// respondEmpty reports an expected empty outcome: 404 with a success status.
func respondEmpty(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, envelope{Status: statusSuccess, Data: nil, Message: msg})
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Status: statusError, Data: nil, Message: msg})
}

// respondErr maps a service error onto the envelope. notFoundMsg is used
// for account.ErrNotFound so each route can name what was missing.
func respondErr(w http.ResponseWriter, log zerolog.Logger, err error, notFoundMsg string) {
	var exhausted *account.ErrExhausted
	var conflict *account.ErrConflict
	switch {
	case errors.As(err, &exhausted):
		respondEmpty(w, fmt.Sprintf("all accounts for the current period have been dispensed, please retry in %d minutes",
			exhausted.RemainingMinutes))
	case errors.Is(err, account.ErrNotFound):
		respondEmpty(w, notFoundMsg)
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, conflict.Msg)
	case errors.Is(err, account.ErrInvalidPhone),
		errors.Is(err, service.ErrInvalidDays),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrUnknownSource),
		errors.Is(err, videocall.ErrMissingKey),
		errors.Is(err, errBadBody):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, videocall.ErrConversationNotFound):
		respondError(w, http.StatusBadRequest, videocall.ErrConversationNotFound.Error())
	case errors.Is(err, videocall.ErrCallAlreadyActive):
		respondError(w, http.StatusBadRequest, videocall.ErrCallAlreadyActive.Error())
	case errors.Is(err, videocall.ErrCallNotActive):
		respondError(w, http.StatusBadRequest, videocall.ErrCallNotActive.Error())
	case errors.Is(err, videocall.ErrWebhookFailed):
		log.Error().Err(err).Msg("webhook delivery could not be scheduled")
		respondError(w, http.StatusInternalServerError, videocall.ErrWebhookFailed.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

var errBadBody = errors.New("request body must be a JSON object")

// params merges query string values with the fields of a JSON body, so a
// route accepts both the GET form used by existing clients and a POST.
type params map[string]string

func readParams(r *http.Request) (params, error) {
	p := params{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			p[k] = strings.TrimSpace(v[0])
		}
	}
	if r.Method == http.MethodGet || r.Body == nil {
		return p, nil
	}

	var body map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return p, nil
		}
		return nil, errBadBody
	}
	for k, v := range body {
		switch val := v.(type) {
		case string:
			p[k] = strings.TrimSpace(val)
		case float64:
			p[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			p[k] = strconv.FormatBool(val)
		}
	}
	return p, nil
}

// lookup reports whether key was supplied at all, even as an empty string.
func (p params) lookup(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}
