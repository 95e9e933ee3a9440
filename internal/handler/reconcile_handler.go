package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/hivebot/botfleet/internal/bot"
	"github.com/hivebot/botfleet/internal/credential"
	"github.com/hivebot/botfleet/internal/reconcile"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// maxBundleSize bounds a submitted credential bundle document.
const maxBundleSize = 1 << 20

// ReconcileHandler accepts credential bundles: the public endpoint for the
// pairing flow and the internal endpoint peers push updates to.
type ReconcileHandler struct {
	Service *reconcile.Service
	Bots    bot.Store
	Updater reconcile.CredentialUpdater
}

// Reconcile submits a credential bundle to the pairing protocol and
// returns its terminal outcome.
func (h *ReconcileHandler) Reconcile(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBundleSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable request body"})
	}

	outcome := h.Service.Reconcile(c.Request().Context(), raw)
	return c.JSON(statusCodeFor(outcome), outcome)
}

// ApplyUpdate is the internal peer endpoint: the owning server side of a
// routed credential update. The caller already confirmed ownership against
// the god registry.
func (h *ReconcileHandler) ApplyUpdate(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBundleSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable request body"})
	}

	bundle, err := credential.ParseBundle(raw)
	if err != nil {
		// A malformed bundle is a client error: final, never retried.
		return c.JSON(http.StatusBadRequest, echo.Map{"reason": reconcile.ReasonInvalidBundle})
	}

	instance, err := h.Bots.GetByIdentity(c.Request().Context(), bundle.ExternalIdentity)
	if errors.Is(err, bot.ErrUnknownBot) {
		// Ownership was just confirmed upstream, so this is registry
		// divergence, not a routine miss.
		logger.FromEcho(c).Error("Routed update has no local bot instance",
			zap.String("identity", bundle.ExternalIdentity))
		return c.JSON(http.StatusConflict, echo.Map{"reason": reconcile.ReasonInvariant})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"reason": reconcile.ReasonInternal})
	}

	if err := h.Updater.UpdateCredentials(c.Request().Context(), instance.ID, bundle); err != nil {
		logger.FromEcho(c).Error("Routed credential update failed",
			zap.String("bot_id", instance.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"reason": reconcile.ReasonInternal})
	}

	return c.JSON(http.StatusOK, echo.Map{"bot_id": instance.ID})
}

// statusCodeFor maps a reconciliation outcome onto an HTTP status.
func statusCodeFor(outcome reconcile.Outcome) int {
	switch outcome.Status {
	case reconcile.StatusRegistered:
		return http.StatusCreated
	case reconcile.StatusUpdated:
		return http.StatusOK
	}

	switch outcome.Reason {
	case reconcile.ReasonInvalidBundle:
		return http.StatusBadRequest
	case reconcile.ReasonConflict, reconcile.ReasonNoCapacity, reconcile.ReasonInvariant:
		return http.StatusConflict
	case reconcile.ReasonOwnerUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
