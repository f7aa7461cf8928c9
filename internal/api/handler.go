package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/auth"
	"github.com/Checker-Finance/etrade-adapter/internal/httpclient"
	"github.com/Checker-Finance/etrade-adapter/internal/keepalive"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// Lifecycle is the slice of the lifecycle manager the API needs.
type Lifecycle interface {
	StartRenewal(ctx context.Context) (string, error)
	CompleteRenewal(ctx context.Context, verifier string) error
	Status(ctx context.Context) auth.Status
}

// KeepAlive is the slice of the keep-alive scheduler the API needs.
type KeepAlive interface {
	Force(ctx context.Context) (time.Duration, error)
	Snapshot() keepalive.JobState
}

// AuthHandler handles HTTP API requests for token lifecycle operations.
// Each environment has its own lifecycle manager and scheduler; requests
// address one via the :environment path param.
type AuthHandler struct {
	logger     *zap.Logger
	lifecycles map[model.Environment]Lifecycle
	keepalives map[model.Environment]KeepAlive
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		logger:     logger,
		lifecycles: make(map[model.Environment]Lifecycle),
		keepalives: make(map[model.Environment]KeepAlive),
	}
}

// Register attaches an environment's lifecycle and scheduler. ka may be
// nil when the environment runs without a keep-alive loop.
func (h *AuthHandler) Register(env model.Environment, lc Lifecycle, ka KeepAlive) {
	h.lifecycles[env] = lc
	if ka != nil {
		h.keepalives[env] = ka
	}
}

func (h *AuthHandler) lifecycle(c *fiber.Ctx) (model.Environment, Lifecycle, error) {
	env := model.Environment(c.Params("environment"))
	if !env.Valid() {
		return "", nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown environment: " + string(env),
		})
	}
	lc, ok := h.lifecycles[env]
	if !ok {
		return "", nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "environment not enabled: " + string(env),
		})
	}
	return env, lc, nil
}

// StartRenewalHandler kicks off the 3-legged handshake and returns the
// authorization URL the user must visit to obtain a verifier code.
func (h *AuthHandler) StartRenewalHandler(c *fiber.Ctx) error {
	env, lc, err := h.lifecycle(c)
	if lc == nil {
		return err
	}

	url, err := lc.StartRenewal(c.Context())
	if err != nil {
		h.logger.Error("api.renewal_start_failed",
			zap.String("environment", string(env)), zap.Error(err))
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(RenewalStartResponse{AuthorizeURL: url})
}

// CompleteRenewalHandler exchanges the verifier for a fresh access token.
func (h *AuthHandler) CompleteRenewalHandler(c *fiber.Ctx) error {
	env, lc, err := h.lifecycle(c)
	if lc == nil {
		return err
	}

	var req CompleteRenewalRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := lc.CompleteRenewal(c.Context(), req.Verifier); err != nil {
		h.logger.Error("api.renewal_complete_failed",
			zap.String("environment", string(env)), zap.Error(err))
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusOK).JSON(lc.Status(c.Context()))
}

// StatusHandler reports the environment's lifecycle snapshot plus the
// keep-alive job bookkeeping when a scheduler is running.
func (h *AuthHandler) StatusHandler(c *fiber.Ctx) error {
	env, lc, err := h.lifecycle(c)
	if lc == nil {
		return err
	}

	resp := fiber.Map{"auth": lc.Status(c.Context())}
	if ka, ok := h.keepalives[env]; ok {
		resp["keepalive"] = ka.Snapshot()
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// ForceKeepAliveHandler runs one probe iteration immediately.
func (h *AuthHandler) ForceKeepAliveHandler(c *fiber.Ctx) error {
	env, lc, err := h.lifecycle(c)
	if lc == nil {
		return err
	}

	ka, ok := h.keepalives[env]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "keep-alive not running for environment: " + string(env),
		})
	}

	latency, err := ka.Force(c.Context())
	if err != nil {
		h.logger.Warn("api.force_keepalive_failed",
			zap.String("environment", string(env)), zap.Error(err))
		return c.Status(statusFor(err)).JSON(KeepAliveForceResponse{
			Result:    "error",
			LatencyMs: latency.Milliseconds(),
			ErrorMsg:  err.Error(),
		})
	}

	return c.Status(fiber.StatusOK).JSON(KeepAliveForceResponse{
		Result:    "ok",
		LatencyMs: latency.Milliseconds(),
	})
}

// statusFor maps lifecycle errors onto HTTP status codes.
func statusFor(err error) int {
	var authErr *httpclient.AuthError
	switch {
	case errors.Is(err, auth.ErrNoActiveSession):
		return fiber.StatusConflict
	case errors.Is(err, auth.ErrSessionExpired):
		return fiber.StatusGone
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrExpired):
		return fiber.StatusConflict
	case errors.Is(err, auth.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &authErr):
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusBadGateway
	}
}
