package middleware

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/auth"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/signature"
	"github.com/ksred/tradegate/pkg/response"
	"golang.org/x/time/rate"
)

// Signature headers carried on every trade-critical request.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	statusLimit  = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientIP string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientIP + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/orders"):
			limit = tradingLimit
		case strings.HasPrefix(path, "/api/v1/health"):
			limit = statusLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 1), // burst of 1
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and sets the caller identity in
// the context.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Set("permissions", claims.Permissions)

		c.Next()
	}
}

// InternalAuth guards operator endpoints. Internally the same bearer
// tokens are used; a production deployment would add IP allow-listing
// at the proxy.
func InternalAuth(authService *auth.Service) gin.HandlerFunc {
	return JWTAuth(authService)
}

// Signature verifies the HMAC request signature on trade-critical
// endpoints. It runs after JWTAuth: the token names the principal, the
// signature proves possession of the signing secret for these exact
// bytes. Every outcome is audited; rejects share a uniform message and
// differ only in machine-readable code.
func Signature(authService *auth.Service, verifier *signature.Verifier, auditor audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		path := c.Request.URL.Path

		reject := func(code string) {
			auditor.Record(audit.Event{
				Type:     audit.EventAuthFailure,
				ClientID: clientID,
				Code:     code,
				Path:     path,
			})
			metrics.RecordAuthOutcome(code)
			response.AuthFailed(c, code)
			c.Abort()
		}

		sig := c.GetHeader(HeaderSignature)
		timestamp := c.GetHeader(HeaderTimestamp)
		nonce := c.GetHeader(HeaderNonce)
		if sig == "" || timestamp == "" || nonce == "" {
			reject(response.ErrCodeMissingHMACHeaders)
			return
		}

		// The signature covers the exact transmitted body bytes, so
		// read them raw and hand the handler a replacement reader.
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			reject(response.ErrCodeInvalidSignature)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		secret, err := authService.SigningSecret(clientID)
		if err != nil {
			reject(response.ErrCodeInvalidSignature)
			return
		}

		if err := verifier.Verify(secret, sig, c.Request.Method, path, body, timestamp, nonce); err != nil {
			reject(signature.RejectCode(err))
			return
		}

		auditor.Record(audit.Event{
			Type:     audit.EventAuthSuccess,
			ClientID: clientID,
			Path:     path,
		})
		metrics.RecordAuthOutcome("OK")

		c.Next()
	}
}
