package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/custodix/remitter/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Period reads (public read access)
		v1.GET("/periods/:abn/:tax_type/:period_id", handler.GetPeriod)
		v1.GET("/periods/:abn/:tax_type/:period_id/evidence", handler.GetEvidence)

		// Period lifecycle (requires authentication)
		v1.POST("/periods/:abn/:tax_type/:period_id/deposits", middleware.Auth(authCfg), handler.Deposit)
		v1.POST("/periods/:abn/:tax_type/:period_id/close", middleware.Auth(authCfg), handler.Close)
		v1.POST("/periods/:abn/:tax_type/:period_id/release", middleware.Auth(authCfg), handler.Release)

		// Reconciliation (requires API key authentication; bank-side callers)
		v1.POST("/recon/statements", middleware.APIKeyAuth(authCfg), handler.ImportStatement)
		v1.POST("/recon/settlements", middleware.APIKeyAuth(authCfg), handler.ImportSettlements)
		v1.POST("/recon/dlq/replay", middleware.APIKeyAuth(authCfg), handler.ReplayDLQ)

		// Destination allowlist (requires authentication)
		v1.PUT("/destinations", middleware.Auth(authCfg), handler.UpsertDestination)

		// RPT verification keys (public read; rotation and revocation guarded)
		v1.GET("/keys", handler.ListKeys)
		v1.POST("/keys/rotate", middleware.APIKeyAuth(authCfg), handler.RotateKey)
		v1.POST("/keys/:kid/revoke", middleware.APIKeyAuth(authCfg), handler.RevokeKey)

		// Token inspection (public; never consumes the nonce)
		v1.POST("/tokens/verify", handler.VerifyToken)
	}
}
