package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hivebot/botfleet/internal/bot"
	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// BotHandler exposes the bot instance manager's lifecycle operations as
// thin idempotent-safe HTTP wrappers. No business logic lives here beyond
// mapping errors onto status codes.
type BotHandler struct {
	Manager *bot.Manager
	Store   bot.Store
}

// ListBots returns the bots known to this fleet, optionally filtered by
// state (?state=pending).
func (h *BotHandler) ListBots(c echo.Context) error {
	var states []model.BotState
	if state := c.QueryParam("state"); state != "" {
		states = append(states, model.BotState(state))
	}

	bots, err := h.Store.List(c.Request().Context(), states...)
	if err != nil {
		logger.FromEcho(c).Error("Failed to list bots", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list bots"})
	}
	return c.JSON(http.StatusOK, echo.Map{"bots": bots, "count": len(bots)})
}

// GetBot returns one bot by id.
func (h *BotHandler) GetBot(c echo.Context) error {
	instance, err := h.Store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, bot.ErrUnknownBot) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown bot"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load bot"})
	}
	return c.JSON(http.StatusOK, instance)
}

// StartBot brings a bot online.
func (h *BotHandler) StartBot(c echo.Context) error {
	return h.lifecycle(c, "start", h.Manager.Start)
}

// StopBot takes a bot offline.
func (h *BotHandler) StopBot(c echo.Context) error {
	return h.lifecycle(c, "stop", h.Manager.Stop)
}

// RestartBot stops and cleanly restarts a bot.
func (h *BotHandler) RestartBot(c echo.Context) error {
	return h.lifecycle(c, "restart", h.Manager.Restart)
}

// DestroyBot stops a bot and irreversibly removes its credentials.
func (h *BotHandler) DestroyBot(c echo.Context) error {
	return h.lifecycle(c, "destroy", h.Manager.Destroy)
}

// ApproveBot admits a pending bot to the fleet.
func (h *BotHandler) ApproveBot(c echo.Context) error {
	return h.lifecycle(c, "approve", h.Manager.Approve)
}

// ResetBotFailures clears a bot's restart circuit breaker.
func (h *BotHandler) ResetBotFailures(c echo.Context) error {
	return h.lifecycle(c, "reset-failures", h.Manager.ResetFailures)
}

// SetBotFlags replaces a bot's feature flags.
func (h *BotHandler) SetBotFlags(c echo.Context) error {
	var flags model.FlagMap
	if err := c.Bind(&flags); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid flag document"})
	}

	id := c.Param("id")
	if err := h.Manager.SetFlags(c.Request().Context(), id, flags); err != nil {
		return h.fail(c, "flags", id, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bot_id": id, "flags": flags})
}

// lifecycle runs one manager operation against the bot named in the path.
func (h *BotHandler) lifecycle(c echo.Context, name string, op func(ctx context.Context, id string) error) error {
	id := c.Param("id")
	log := logger.FromEcho(c).With(zap.String("bot_id", id), zap.String("operation", name))

	if err := op(c.Request().Context(), id); err != nil {
		return h.fail(c, name, id, err)
	}

	log.Info("Bot operation applied")
	return c.JSON(http.StatusOK, echo.Map{"bot_id": id, "operation": name, "result": "ok"})
}

// fail maps manager errors onto the HTTP error taxonomy.
func (h *BotHandler) fail(c echo.Context, name, id string, err error) error {
	log := logger.FromEcho(c).With(zap.String("bot_id", id), zap.String("operation", name))

	var illegal *bot.IllegalTransitionError
	switch {
	case errors.Is(err, bot.ErrUnknownBot):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown bot"})
	case errors.Is(err, bot.ErrNotApproved):
		return c.JSON(http.StatusConflict, echo.Map{"error": "bot not approved"})
	case errors.Is(err, bot.ErrAlreadyRunning):
		return c.JSON(http.StatusConflict, echo.Map{"error": "bot already running"})
	case errors.Is(err, bot.ErrNotRunning):
		return c.JSON(http.StatusConflict, echo.Map{"error": "bot not running"})
	case errors.Is(err, bot.ErrDestroyed):
		return c.JSON(http.StatusConflict, echo.Map{"error": "bot destroyed"})
	case errors.Is(err, bot.ErrNoCredentials):
		return c.JSON(http.StatusConflict, echo.Map{"error": "bot has no credentials"})
	case errors.As(err, &illegal):
		return c.JSON(http.StatusConflict, echo.Map{"error": illegal.Error()})
	default:
		log.Error("Bot operation failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "operation failed"})
	}
}
