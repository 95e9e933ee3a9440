package handler

import (
	"errors"
	"net/http"

	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/internal/registry"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RegistryHandler exposes read access to the god registry and management
// of the server registry.
type RegistryHandler struct {
	God     registry.GodRegistry
	Servers registry.ServerRegistry
}

// LookupIdentity answers whether an external identity is already owned,
// and by which server. The admin layer uses it to short-circuit duplicate
// registration attempts before generating new credentials.
func (h *RegistryHandler) LookupIdentity(c echo.Context) error {
	identity := c.Param("identity")

	entry, err := h.God.Lookup(c.Request().Context(), identity)
	if errors.Is(err, registry.ErrNotRegistered) {
		return c.JSON(http.StatusNotFound, echo.Map{
			"identity":   identity,
			"registered": false,
		})
	}
	if err != nil {
		logger.FromEcho(c).Error("God registry lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "lookup failed"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"identity":      entry.ExternalIdentity,
		"registered":    true,
		"owner":         entry.ServerName,
		"registered_at": entry.RegisteredAt,
	})
}

// ListServers returns every known server node with its capacity.
func (h *RegistryHandler) ListServers(c echo.Context) error {
	servers, err := h.Servers.List(c.Request().Context())
	if err != nil {
		logger.FromEcho(c).Error("Failed to list servers", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list servers"})
	}
	return c.JSON(http.StatusOK, echo.Map{"servers": servers, "count": len(servers)})
}

// ServerRequest defines the structure for server registration requests
type ServerRequest struct {
	ServerName string `json:"server_name"`
	MaxBots    int    `json:"max_bots"`
	Status     string `json:"status"`
	Address    string `json:"address"`
}

// UpsertServer creates or updates a server node's registry entry.
func (h *RegistryHandler) UpsertServer(c echo.Context) error {
	var req ServerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request data"})
	}
	if req.ServerName == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "server_name is required"})
	}
	if req.MaxBots <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "max_bots must be positive"})
	}

	status := model.ServerStatus(req.Status)
	if status == "" {
		status = model.ServerActive
	}
	if status != model.ServerActive && status != model.ServerInactive {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "status must be active or inactive"})
	}

	entry := &model.ServerRegistryEntry{
		ServerName: req.ServerName,
		MaxBots:    req.MaxBots,
		Status:     status,
		Address:    req.Address,
	}
	if err := h.Servers.Upsert(c.Request().Context(), entry); err != nil {
		logger.FromEcho(c).Error("Server upsert failed",
			zap.String("server_name", req.ServerName),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server upsert failed"})
	}

	logger.FromEcho(c).Info("Server registered",
		zap.String("server_name", req.ServerName),
		zap.Int("max_bots", req.MaxBots))
	return c.JSON(http.StatusOK, entry)
}
