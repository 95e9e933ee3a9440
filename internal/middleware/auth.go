package middleware

import (
	"net/http"
	"strings"

	"github.com/hivebot/botfleet/pkg/jwtutil"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/hivebot/botfleet/prometheus"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AuthMiddleware verifies the JWT token and extracts claims
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		log := logger.FromEcho(c)

		// Track authentication attempts
		prometheus.AuthAttemptsCounter.Inc()

		// Extract the token from the Authorization header
		tokenString := c.Request().Header.Get("Authorization")
		if tokenString == "" {
			log.Warn("Missing authorization token")
			prometheus.AuthErrorsCounter.Inc()
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && strings.ToUpper(tokenString[0:7]) == "BEARER " {
			tokenString = tokenString[7:]
		}

		// Validate the token
		claims, err := jwtutil.ValidateToken(tokenString)
		if err != nil {
			log.Warn("Invalid token", zap.Error(err))
			prometheus.AuthErrorsCounter.Inc()
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
		}

		// Increment successful auth counter
		prometheus.AuthSuccessCounter.Inc()

		// Store caller information in the context
		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)

		// Update logger with caller information
		log = log.With(
			zap.String("subject", claims.Subject),
			zap.String("role", claims.Role),
		)
		logger.SetEcho(c, log)

		// Call the next handler
		return next(c)
	}
}

// RequirePeer ensures the request carries a peer-server token. Internal
// endpoints are only reachable by other fleet nodes.
func RequirePeer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		role, ok := c.Get("role").(string)
		if !ok || role != "peer" {
			logger.FromEcho(c).Warn("Non-peer caller on internal endpoint")
			return c.JSON(http.StatusForbidden, echo.Map{"error": "peer token required"})
		}
		return next(c)
	}
}
