package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/tradegate/pkg/response"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrUnknownPrincipal   = errors.New("unknown principal")
)

// Test credentials
var (
	TestAPIKey        = "test-api-key"
	TestAPISecret     = "test-api-secret"
	TestSigningSecret = "test-signing-secret-0123456789abcdef"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// principal holds what the identity contract supplies per client: the
// bcrypt hash of the API secret used for token issuance and the
// long-lived secret used for request signing.
type principal struct {
	secretHash    []byte
	signingSecret string
}

// Service handles authentication and authorization operations. It is
// the identity contract of the execution layer: it authenticates
// principals and supplies their signing secrets.
type Service struct {
	jwtSecret []byte

	mu         sync.RWMutex
	principals map[string]principal // map[APIKey]principal
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:  []byte(jwtSecret),
		principals: make(map[string]principal),
	}
}

// RegisterPrincipal stores a principal's credentials. The API secret
// is kept only as a bcrypt hash; the signing secret is stored as-is
// because HMAC verification needs the raw key.
func (s *Service) RegisterPrincipal(apiKey, apiSecret, signingSecret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiSecret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.principals[apiKey] = principal{secretHash: hash, signingSecret: signingSecret}
	s.mu.Unlock()
	return nil
}

// SigningSecret returns the HMAC signing secret for a principal.
func (s *Service) SigningSecret(clientID string) (string, error) {
	s.mu.RLock()
	p, ok := s.principals[clientID]
	s.mu.RUnlock()
	if !ok {
		return "", ErrUnknownPrincipal
	}
	return p.signingSecret, nil
}

// GenerateToken generates a JWT token for valid API credentials
// The token includes client ID and permissions with 24-hour expiration
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		ClientID:    creds.APIKey, // Using API key as client ID for simplicity
		Permissions: []string{"trade"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// validateCredentials checks the presented API secret against the
// stored bcrypt hash.
func (s *Service) validateCredentials(creds Credentials) bool {
	s.mu.RLock()
	p, ok := s.principals[creds.APIKey]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(p.secretHash, []byte(creds.APISecret)) == nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if err == ErrInvalidCredentials {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetClientID extracts the client ID from parsed claims
// Returns empty string if client ID is not found or invalid
func GetClientID(claims interface{}) string {
	switch c := claims.(type) {
	case *Claims:
		return c.ClientID
	case jwt.MapClaims:
		if clientID, ok := c["client_id"].(string); ok {
			return clientID
		}
	}
	return ""
}
