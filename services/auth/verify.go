package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"perimeter/pkg/auth"
	"perimeter/pkg/httpx"
	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

const (
	modeStub    = "stub"
	modeEnforce = "enforce"
)

// TokenVerifier checks a bearer token in enforce mode.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*jwt.RegisteredClaims, error)
}

// Attempt is one audited call to /auth/verify.
type Attempt struct {
	ID            string
	CorrelationID string
	Mode          string
	Subject       string
	TokenHash     string
	Verified      bool
	Reason        string
	PatternBytes  int
	RemoteAddr    string
	CreatedAt     time.Time
}

// AttemptStore persists verification attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

type verifyResponse struct {
	Status   string `json:"status"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// VerifyHandler serves POST /auth/verify. With a nil verifier every
// well-formed request is answered verified:true.
type VerifyHandler struct {
	verifier     TokenVerifier
	store        AttemptStore
	logger       *structlog.Logger
	maxBody      int64
	auditTimeout time.Duration
}

func NewVerifyHandler(verifier TokenVerifier, store AttemptStore, logger *structlog.Logger, maxBody int64) *VerifyHandler {
	return &VerifyHandler{
		verifier:     verifier,
		store:        store,
		logger:       logger,
		maxBody:      maxBody,
		auditTimeout: 2 * time.Second,
	}
}

func (h *VerifyHandler) mode() string {
	if h.verifier == nil {
		return modeStub
	}
	return modeEnforce
}

func (h *VerifyHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/verify", httpx.AllowMethods(h.HandleVerify, http.MethodPost))
	mux.HandleFunc("/health", httpx.AllowMethods(handleHealth, http.MethodGet, http.MethodHead))
}

func (h *VerifyHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.WithContext(ctx)

	body, err := httpx.ReadBody(w, r, h.maxBody)
	if err != nil {
		httpx.WriteError(w, httpx.StatusForBodyError(err), err.Error())
		return
	}

	req, err := typing.DecodeVerificationRequest(body)
	if errors.Is(err, typing.ErrMalformed) || (err != nil && h.verifier != nil) {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	attempt := Attempt{
		ID:            uuid.NewString(),
		CorrelationID: structlog.GetCorrelationID(ctx),
		Mode:          h.mode(),
		TokenHash:     hashToken(req.Token),
		PatternBytes:  len(req.TypingPattern),
		RemoteAddr:    remoteIP(r),
		CreatedAt:     time.Now().UTC(),
	}

	if h.verifier == nil {
		log.SecurityEvent("verification_not_enforced", structlog.Fields{
			"detail":        "stub mode answers verified:true without checking the token or typing pattern",
			"pattern_bytes": attempt.PatternBytes,
			"remote_addr":   attempt.RemoteAddr,
		})
		attempt.Verified = true
		attempt.Reason = "stub"
		h.audit(ctx, attempt)
		httpx.WriteJSON(w, http.StatusOK, verifyResponse{Status: "success", Verified: true})
		return
	}

	claims, err := h.verifier.Verify(ctx, req.Token)
	if err != nil {
		attempt.Reason = reasonFor(err)
		log.SecurityEvent("verification_failed", structlog.Fields{
			"reason":      attempt.Reason,
			"remote_addr": attempt.RemoteAddr,
		})
		h.audit(ctx, attempt)
		httpx.WriteJSON(w, http.StatusUnauthorized, verifyResponse{
			Status:   "failure",
			Verified: false,
			Error:    err.Error(),
		})
		return
	}

	attempt.Verified = true
	attempt.Subject = claims.Subject
	attempt.Reason = "token_valid"
	log.AuditLog("verification_succeeded", structlog.Fields{"subject": claims.Subject})
	h.audit(ctx, attempt)
	httpx.WriteJSON(w, http.StatusOK, verifyResponse{Status: "success", Verified: true})
}

// audit stores the attempt; a store failure never changes the response.
func (h *VerifyHandler) audit(ctx context.Context, a Attempt) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.auditTimeout)
	defer cancel()
	if err := h.store.RecordAttempt(ctx, a); err != nil {
		h.logger.WithContext(ctx).Error("failed to record verification attempt", structlog.Fields{
			"attempt_id": a.ID,
			"error":      err,
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrInvalidClaims):
		return "invalid_claims"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	default:
		return "error"
	}
}

func hashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
