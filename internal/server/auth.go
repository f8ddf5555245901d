// Package server implements the node dashboard and the collector HTTP APIs.
// The dashboard authenticates operators with JWTs issued by /api/login and
// scripts with a static API token; the collector accepts node uploads
// authenticated with a pre-shared Bearer token.
package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ─── JWT dashboard auth ───────────────────────────────────────────────────────

const tokenTTL = 24 * time.Hour

var errBadCredentials = errors.New("invalid credentials")

// Auth holds the dashboard credentials. It is built once from config and
// shared by the handlers.
type Auth struct {
	secret    []byte
	adminUser string
	adminPass string // plain text or bcrypt hash
	apiToken  string
	now       func() time.Time
}

func NewAuth(jwtSecret, adminUser, adminPass, apiToken string) *Auth {
	return &Auth{
		secret:    []byte(jwtSecret),
		adminUser: adminUser,
		adminPass: adminPass,
		apiToken:  apiToken,
		now:       time.Now,
	}
}

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// CheckPassword verifies the admin credentials. A stored password starting
// with "$2" is treated as a bcrypt hash.
func (a *Auth) CheckPassword(user, pass string) error {
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser)) != 1 {
		return errBadCredentials
	}
	if strings.HasPrefix(a.adminPass, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(a.adminPass), []byte(pass)) != nil {
			return errBadCredentials
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(pass), []byte(a.adminPass)) != 1 {
		return errBadCredentials
	}
	return nil
}

// GenerateJWT creates a signed HS256 JWT valid for 24 hours.
func (a *Auth) GenerateJWT(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "smartsensors",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// parseJWT validates a token string and returns the claims.
func (a *Auth) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// bearer extracts the token from "Authorization: Bearer <token>".
func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// JWTMiddleware validates "Authorization: Bearer <jwt>" and stores the
// username in the Gin context as "username".
func (a *Auth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization format, expected: Bearer <token>",
			})
			return
		}
		claims, err := a.parseJWT(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

// DataMiddleware guards /data. It accepts either "X-API-Token: <token>" or a
// dashboard JWT.
func (a *Auth) DataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := c.GetHeader("X-API-Token"); tok != "" && a.apiToken != "" {
			if subtle.ConstantTimeCompare([]byte(tok), []byte(a.apiToken)) == 1 {
				c.Next()
				return
			}
		}
		if raw, ok := bearer(c); ok {
			if claims, err := a.parseJWT(raw); err == nil {
				c.Set("username", claims.Username)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}

// ─── Bearer-token collector auth ──────────────────────────────────────────────

// AgentTokenMiddleware checks "Authorization: Bearer <agent_token>" on node
// uploads and rejects anything else with 401.
func AgentTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok || subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing agent token",
			})
			return
		}
		c.Next()
	}
}
