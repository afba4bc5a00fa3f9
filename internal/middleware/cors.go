package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"beanbrain/internal/config"
)

// CORSMiddleware applies the configured CORS policy. If disabled, it no-ops.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	cors := cfg.Security.CORS
	if !cors.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	allowedOrigins := cors.AllowedOrigins
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	methods := strings.Join(cors.AllowedMethods, ", ")
	headers := strings.Join(cors.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, origin) {
						c.Header("Access-Control-Allow-Origin", origin)
						c.Header("Vary", "Origin")
						break
					}
				}
			}
			if methods != "" {
				c.Header("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				c.Header("Access-Control-Allow-Headers", headers)
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
