package service

import (
	"fmt"
	"strings"

	"github.com/developingchet/autologin-svc/internal/storage"
	"github.com/rs/zerolog"
)

// Handoffs relays login requests between the mobile client and the PC
// client. Reads are destructive: each record is delivered at most once.
type Handoffs struct {
	store storage.Store
	log   zerolog.Logger
}

// NewHandoffs returns a Handoffs over the local store.
func NewHandoffs(store storage.Store, log zerolog.Logger) *Handoffs {
	return &Handoffs{store: store, log: log.With().Str("component", "handoff").Logger()}
}

// PushNeedLogin records that the device needs the PC to log in.
func (h *Handoffs) PushNeedLogin(name, phoneDevice string) (storage.Handoff, error) {
	return h.push(name, phoneDevice, storage.LoginOffline)
}

// PushNeedScan records that the PC is waiting for the device to scan.
func (h *Handoffs) PushNeedScan(name, phoneDevice string) (storage.Handoff, error) {
	return h.push(name, phoneDevice, storage.LoginScan)
}

// GetNeedLogin takes the pending record for phoneDevice in any state.
// A nil record means nothing is pending.
func (h *Handoffs) GetNeedLogin(phoneDevice string) (*storage.Handoff, error) {
	return h.take(phoneDevice, "")
}

// GetNeedScan takes the pending record for phoneDevice only when it is
// waiting for a scan.
func (h *Handoffs) GetNeedScan(phoneDevice string) (*storage.Handoff, error) {
	return h.take(phoneDevice, storage.LoginScan)
}

func (h *Handoffs) push(name, phoneDevice, status string) (storage.Handoff, error) {
	name = strings.TrimSpace(name)
	phoneDevice = strings.TrimSpace(phoneDevice)
	if name == "" || phoneDevice == "" {
		return storage.Handoff{}, fmt.Errorf("%w: name and phone_device are required", ErrInvalidInput)
	}
	rec := storage.Handoff{Name: name, PhoneDevice: phoneDevice, LoginStatus: status}
	if err := h.store.PutHandoff(rec); err != nil {
		return storage.Handoff{}, fmt.Errorf("save handoff: %w", err)
	}
	h.log.Info().Str("device", phoneDevice).Str("login_status", status).Msg("handoff queued")
	return rec, nil
}

func (h *Handoffs) take(phoneDevice, wantStatus string) (*storage.Handoff, error) {
	phoneDevice = strings.TrimSpace(phoneDevice)
	if phoneDevice == "" {
		return nil, fmt.Errorf("%w: phone_device is required", ErrInvalidInput)
	}
	rec, err := h.store.TakeHandoff(phoneDevice, wantStatus)
	if err != nil {
		return nil, fmt.Errorf("take handoff: %w", err)
	}
	if rec != nil {
		h.log.Debug().Str("device", phoneDevice).Str("login_status", rec.LoginStatus).Msg("handoff delivered")
	}
	return rec, nil
}
