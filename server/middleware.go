package server

import (
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"llmbenchstudio/internal/logging"
)

// Gin context keys set by IdentityMiddleware and LoggingMiddleware.
const (
	ContextUserID    = "userID"
	ContextUserRole  = "userRole"
	ContextRequestID = "requestID"

	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderRequestID = "X-Request-ID"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns default CORS configuration
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Content-Length", "Authorization", "Accept", "Origin", "Cache-Control", HeaderUserID, HeaderUserRole, HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           86400,
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadCORSConfigFromEnv loads CORS configuration from CORS_ORIGIN and
// CORS_ALLOW_METHODS.
func LoadCORSConfigFromEnv() CORSConfig {
	config := DefaultCORSConfig()
	if origins := os.Getenv("CORS_ORIGIN"); origins != "" {
		config.AllowOrigins = splitList(origins)
	}
	if methods := os.Getenv("CORS_ALLOW_METHODS"); methods != "" {
		config.AllowMethods = splitList(methods)
	}
	if os.Getenv("GIN_MODE") == "release" && len(config.AllowOrigins) == 1 && config.AllowOrigins[0] == "*" {
		logging.AppLogger.Warn("CORS is set to allow all origins in production mode. Consider setting CORS_ORIGIN.")
	}
	return config
}

// CORSMiddleware adds CORS headers and answers preflight requests
func CORSMiddleware(config CORSConfig) gin.HandlerFunc {
	wildcard := len(config.AllowOrigins) == 1 && config.AllowOrigins[0] == "*"
	methods := strings.Join(config.AllowMethods, ", ")
	headers := strings.Join(config.AllowHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if wildcard {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range config.AllowOrigins {
				if allowed == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					c.Header("Vary", "Origin")
					break
				}
			}
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Max-Age", fmt.Sprintf("%d", config.MaxAge))
		if config.AllowCredentials && !wildcard {
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggingMiddleware assigns a request id and logs each request with its
// outcome. Query strings are not logged since identity may travel there.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextRequestID, requestID)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		fields := map[string]interface{}{
			"requestId": requestID,
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    status,
			"duration":  time.Since(start).String(),
			"ip":        c.ClientIP(),
		}
		if user := c.GetString(ContextUserID); user != "" {
			fields["userId"] = user
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case status >= 500:
			logging.AppLogger.ErrorWithFields("Request failed", fields)
		case status >= 400:
			logging.AppLogger.WarnWithFields("Request rejected", fields)
		default:
			logging.AppLogger.InfoWithFields("Request handled", fields)
		}
	}
}

// ErrorHandlingMiddleware renders errors attached with c.Error as JSON when
// the handler did not write a response itself
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		statusCode := c.Writer.Status()
		if statusCode == http.StatusOK {
			statusCode = http.StatusInternalServerError
		}
		c.JSON(statusCode, ErrorResponse{
			Error:   http.StatusText(statusCode),
			Message: c.Errors.Last().Error(),
			Code:    statusCode,
		})
	}
}

// RecoveryMiddleware recovers from panics and returns a 500 error
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logging.AppLogger.ErrorWithFields("PANIC RECOVERED", map[string]interface{}{
					"error": err,
					"path":  c.Request.URL.Path,
					"stack": string(debug.Stack()),
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Error:   "Internal Server Error",
					Message: "An unexpected error occurred. Please try again later.",
					Code:    http.StatusInternalServerError,
				})
			}
		}()
		c.Next()
	}
}

// RequestValidationMiddleware requires JSON bodies on API writes
func RequestValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if c.Request.ContentLength != 0 && !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, ErrorResponse{
					Error:   "Unsupported Media Type",
					Message: "Content-Type must be application/json",
					Code:    http.StatusUnsupportedMediaType,
				})
				return
			}
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security-related HTTP headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
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

// IdentityMiddleware reads the caller identity supplied by the upstream auth
// layer. When allowQuery is set, user_id and role query parameters are
// accepted too, for clients that cannot set headers (EventSource, browsers
// opening websockets).
func IdentityMiddleware(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		role := strings.TrimSpace(c.GetHeader(HeaderUserRole))
		if allowQuery {
			if userID == "" {
				userID = strings.TrimSpace(c.Query("user_id"))
			}
			if role == "" {
				role = strings.TrimSpace(c.Query("role"))
			}
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "Unauthorized",
				Message: "missing user identity",
				Code:    http.StatusUnauthorized,
			})
			return
		}
		c.Set(ContextUserID, userID)
		c.Set(ContextUserRole, strings.ToLower(role))
		c.Next()
	}
}

// AdminOnly rejects callers without the admin role
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextUserRole) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:   "Forbidden",
				Message: "administrator role required",
				Code:    http.StatusForbidden,
			})
			return
		}
		c.Next()
	}
}
