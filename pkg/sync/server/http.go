package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/deltasync/pkg/version"
)

type tokenRequest struct {
	Username string `json:"username" binding:"required"`
}

// Router returns the HTTP handler for the health, metrics and token
// endpoints.
func (srv *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"version":  version.Version,
			"sessions": srv.registry.Len(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/v1/tokens", srv.requireAdmin, func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		token, err := srv.tokens.GenerateToken(req.Username)
		if err != nil {
			log.WithError(err).Error("Failed to generate token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "username": req.Username})
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
	return r
}

func (srv *Server) requireAdmin(c *gin.Context) {
	if srv.config.AdminKey == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token issuing is disabled"})
		return
	}

	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	key := strings.TrimPrefix(header, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(key), []byte(srv.config.AdminKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
		return
	}
	c.Next()
}
