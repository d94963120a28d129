// Package handler exposes the attendance core over HTTP with gin.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ojtrack/internal/apperr"
	"ojtrack/internal/attendance"
	"ojtrack/internal/auth"
	"ojtrack/internal/directory"
	"ojtrack/internal/forgottimeout"
	"ojtrack/internal/httpmiddleware"
)

// ComplianceGate reports whether a student may use attendance features.
type ComplianceGate interface {
	IsDocumentCompliant(ctx context.Context, studentID string) (bool, error)
}

// HealthCheck is one named dependency check for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) bool
}

// Handler holds the services behind the HTTP routes.
type Handler struct {
	Attendance *attendance.Service
	Forgot     *forgottimeout.Service
	Compliance ComplianceGate
	Signer     *auth.Signer
	Limiter    *httpmiddleware.TokenBucket
	Health     []HealthCheck
	Log        *zap.Logger
	Now        func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)

	// The limiter runs after Bearer so authenticated callers get their own
	// bucket; refresh has no claims yet and is limited per IP.
	limit := func(c *gin.Context) { c.Next() }
	if h.Limiter != nil {
		limit = h.Limiter.GinMiddleware()
	}
	v1 := r.Group("/v1")
	v1.POST("/auth/refresh", limit, h.refresh)

	authed := v1.Group("", auth.Bearer(h.Signer), limit)
	authed.GET("/schedule/blocks", h.blocks)

	student := auth.RequireRole(string(directory.RoleStudent))
	att := authed.Group("/attendance", student)
	att.POST("/time-in", h.requireCompliant, h.timeIn)
	att.POST("/time-out", h.requireCompliant, h.timeOut)
	att.GET("/status", h.status)
	att.GET("/history", h.history)
	att.GET("/total-hours", h.totalHours)
	att.POST("/verify-location", h.verifyLocation)

	ft := authed.Group("/forgot-timeouts")
	ft.GET("/eligible", student, h.eligible)
	ft.POST("", student, h.createRequest)
	ft.POST("/:id/cancel", student, h.cancelRequest)
	ft.GET("", h.listRequests)
	ft.GET("/:id", h.getRequest)
	ft.POST("/:id/review", auth.RequireRole(string(directory.RoleInstructor), string(directory.RoleAdmin)), h.reviewRequest)
}

func (h *Handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for _, hc := range h.Health {
		ok := hc.Check(c.Request.Context())
		body[hc.Name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (h *Handler) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.New(apperr.InvalidInput, "refresh_token required"))
		return
	}
	pair, err := h.Signer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "INVALID_TOKEN", "message": "invalid refresh token"}})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *Handler) requireCompliant(c *gin.Context) {
	ok, err := h.Compliance.IsDocumentCompliant(c.Request.Context(), userID(c))
	if err != nil {
		h.Log.Error("compliance check failed", zap.String("user_id", userID(c)), zap.Error(err))
		h.fail(c, apperr.Wrap(apperr.Internal, err))
		c.Abort()
		return
	}
	if !ok {
		h.fail(c, apperr.New(apperr.NotCompliant, ""))
		c.Abort()
		return
	}
	c.Next()
}

// fail writes err as {"error": {code, message}}. Internal causes are never exposed.
func (h *Handler) fail(c *gin.Context, err error) {
	e := apperr.As(err)
	if e.Def.Kind == apperr.KindInternal && e.Cause != nil {
		_ = c.Error(e.Cause)
	}
	c.JSON(apperr.HTTPStatus(e), gin.H{"error": gin.H{"code": e.Def.Code, "message": e.Error()}})
}

func userID(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject
}

// CORS allows browser clients from any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SecurityHeaders sets the usual hardening headers; HSTS only in release mode.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
