package pairing

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// RegisterRoutes mounts the pairing handshake endpoints used by a mobile
// client pairing with this agent for the first time.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /pairing/initiate", m.handleInitiate)
	mux.HandleFunc("POST /pairing/mobile-key", m.handleMobileKey)
	mux.HandleFunc("POST /pairing/verify", m.handleVerify)
	mux.HandleFunc("POST /pairing/cancel", m.handleCancel)
	mux.HandleFunc("GET /pairing/pending/{sessionId}", m.handlePending)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrUserRejected), errors.Is(err, ErrDeviceRevoked):
		return http.StatusForbidden
	case errors.Is(err, ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	default:
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			return http.StatusTooManyRequests
		}
		return http.StatusInternalServerError
	}
}

type initiateRequest struct {
	DeviceName     string `json:"deviceName"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type initiateResponse struct {
	SessionID        string `json:"sessionId"`
	AgentPublicKey   string `json:"agentPublicKey"`
	AgentFingerprint string `json:"agentFingerprint"`
}

func (m *Manager) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = m.DefaultTimeout
	}

	sess, err := m.InitiatePairing(req.DeviceName, timeout)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, initiateResponse{
		SessionID:        sess.ID,
		AgentPublicKey:   pubKeyB64(sess),
		AgentFingerprint: sess.AgentFingerprint,
	})
}

type mobileKeyRequest struct {
	SessionID       string `json:"sessionId"`
	MobilePublicKey string `json:"mobilePublicKey"`
	MobileDeviceID  string `json:"mobileDeviceId"`
}

type mobileKeyResponse struct {
	VerificationCode  string `json:"verificationCode"`
	MobileFingerprint string `json:"mobileFingerprint"`
}

func (m *Manager) handleMobileKey(w http.ResponseWriter, r *http.Request) {
	var req mobileKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := m.ProcessMobileKey(req.SessionID, req.MobilePublicKey, req.MobileDeviceID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, mobileKeyResponse{
		VerificationCode:  sess.VerificationCode,
		MobileFingerprint: sess.MobileFingerprint,
	})
}

type verifyRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

func (m *Manager) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	device, err := m.ConfirmVerification(req.SessionID, req.Code, req.Confirmed)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type pendingResponse struct {
	SessionID         string `json:"sessionId"`
	DeviceName        string `json:"deviceName"`
	VerificationCode  string `json:"verificationCode"`
	AgentFingerprint  string `json:"agentFingerprint"`
	MobileFingerprint string `json:"mobileFingerprint"`
}

// handlePending answers GET /pairing/pending/{sessionId} with the data an
// operator needs to compare the two sides of a handshake before
// confirming it: the verification code and both fingerprints.
func (m *Manager) handlePending(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	m.mu.Lock()
	sess, err := m.getLiveSession(sessionID)
	m.mu.Unlock()
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if sess.State != StateAwaitingVerification {
		writeError(w, statusForError(ErrInvalidState), ErrInvalidState)
		return
	}

	writeJSON(w, http.StatusOK, pendingResponse{
		SessionID:         sess.ID,
		DeviceName:        sess.DeviceName,
		VerificationCode:  sess.VerificationCode,
		AgentFingerprint:  sess.AgentFingerprint,
		MobileFingerprint: sess.MobileFingerprint,
	})
}

type cancelRequest struct {
	SessionID string `json:"sessionId"`
}

func (m *Manager) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m.CancelPairing(req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}
