// Package workerchannel carries worker heartbeats over a websocket
// connection (SPEC_FULL.md §B.5), adapted from rpc/ws.go's
// accept-then-stream shape. A worker authenticates the channel with a
// short-lived lease token (golang-jwt/jwt, grounded on
// gateway/middleware/auth.go's HMAC claim validation) issued by
// TokenIssuer.Issue for one job/worker pair, then sends periodic heartbeat
// frames to keep that job's lease alive without re-polling the scheduler's
// Lease API. One connection serves the single job named in its token; the
// scheduler's Lease does not mint tokens itself.
package workerchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"dyocense/controlplane/internal/scheduler"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

// LeaseClaims are the JWT claims embedded in a worker's lease token.
type LeaseClaims struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies lease tokens with a shared HMAC secret.
type TokenIssuer struct {
	secret []byte
	issuer string
}

// NewTokenIssuer builds a TokenIssuer. secret must be non-empty.
func NewTokenIssuer(secret []byte, issuer string) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("workerchannel: signing secret required")
	}
	return &TokenIssuer{secret: secret, issuer: issuer}, nil
}

// Issue mints a lease token valid for ttl, scoped to a single job/worker pair.
func (ti *TokenIssuer) Issue(jobID, workerID, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := LeaseClaims{
		JobID:    jobID,
		WorkerID: workerID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Parse validates a lease token and returns its claims.
func (ti *TokenIssuer) Parse(tokenString string) (LeaseClaims, error) {
	var claims LeaseClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return ti.secret, nil
	}, jwt.WithLeeway(5*time.Second))
	if err != nil {
		return LeaseClaims{}, fmt.Errorf("workerchannel: parse lease token: %w", err)
	}
	if !token.Valid {
		return LeaseClaims{}, errors.New("workerchannel: lease token invalid")
	}
	return claims, nil
}

// frame is the wire shape exchanged over the websocket connection.
type frame struct {
	Type      string    `json:"type"`
	Token     string    `json:"token,omitempty"`
	ExtendSec int       `json:"extend_seconds,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Hub serves worker heartbeat connections, extending a job's lease in the
// scheduler each time a heartbeat frame arrives.
type Hub struct {
	scheduler         *scheduler.Scheduler
	issuer            *TokenIssuer
	defaultExtension  time.Duration
	logger            *slog.Logger
}

// NewHub builds a Hub.
func NewHub(sched *scheduler.Scheduler, issuer *TokenIssuer, defaultExtension time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultExtension <= 0 {
		defaultExtension = 30 * time.Second
	}
	return &Hub{scheduler: sched, issuer: issuer, defaultExtension: defaultExtension, logger: logger}
}

// ServeHTTP upgrades the connection and streams heartbeat frames until the
// client disconnects or sends an invalid token.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "heartbeat channel closed")

	if err := h.stream(r.Context(), conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "heartbeat stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn) error {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		return err
	}
	var first frame
	if err := json.Unmarshal(data, &first); err != nil || first.Type != "auth" {
		return h.writeError(ctx, conn, "first frame must be an auth frame")
	}
	claims, err := h.issuer.Parse(first.Token)
	if err != nil {
		return h.writeError(ctx, conn, err.Error())
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			if err := h.writeError(ctx, conn, "malformed frame"); err != nil {
				return err
			}
			continue
		}

		switch f.Type {
		case "heartbeat":
			extension := h.defaultExtension
			if f.ExtendSec > 0 {
				extension = time.Duration(f.ExtendSec) * time.Second
			}
			job, err := h.scheduler.Heartbeat(ctx, claims.JobID, claims.WorkerID, extension)
			if err != nil {
				if err := h.writeError(ctx, conn, err.Error()); err != nil {
					return err
				}
				continue
			}
			expiresAt := time.Time{}
			if job.LeaseExpiresAt != nil {
				expiresAt = *job.LeaseExpiresAt
			}
			if err := h.writeFrame(ctx, conn, frame{Type: "lease_extended", ExpiresAt: expiresAt}); err != nil {
				return err
			}
		case "close":
			return nil
		default:
			if err := h.writeError(ctx, conn, "unknown frame type"); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (h *Hub) writeError(ctx context.Context, conn *websocket.Conn, msg string) error {
	h.logger.Warn("workerchannel frame error", "err", msg)
	return h.writeFrame(ctx, conn, frame{Type: "error", Error: msg})
}
