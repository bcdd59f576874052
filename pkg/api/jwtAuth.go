package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"pluginhost/pkg/config"
)

const tokenIssuer = "pluginhost"

// JwtAuth guards the operator API with a single admin account.
type JwtAuth struct {
	jwtSecret     []byte
	adminUsername string
	adminPassHash []byte
	expiry        time.Duration
	now           func() time.Time
}

// Auth creates a new JwtAuth with the provided configuration.
func Auth(cfg *config.Config) *JwtAuth {
	hours := cfg.SessionDurationHours
	if hours <= 0 {
		hours = 24
	}
	return &JwtAuth{
		jwtSecret:     []byte(cfg.JWTSecret),
		adminUsername: cfg.AdminUser,
		adminPassHash: []byte(cfg.AdminHash),
		expiry:        time.Duration(hours) * time.Hour,
		now:           time.Now,
	}
}

// LoginRequest represents the login payload
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginHandler checks the admin credentials and issues a JWT.
func (jwtAuth *JwtAuth) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if req.Username != jwtAuth.adminUsername {
		respondError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword(jwtAuth.adminPassHash, []byte(req.Password)); err != nil {
		respondError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokenString, err := jwtAuth.issue(req.Username)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to sign token")
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": tokenString})
}

func (jwtAuth *JwtAuth) issue(username string) (string, error) {
	now := jwtAuth.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"iss":      tokenIssuer,
		"exp":      now.Add(jwtAuth.expiry).Unix(),
		"iat":      now.Unix(),
	})
	return token.SignedString(jwtAuth.jwtSecret)
}

// JWTMiddleware validates the Authorization header.
func (jwtAuth *JwtAuth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondError(c, http.StatusUnauthorized, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(c, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return jwtAuth.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			respondError(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !claims.VerifyIssuer(tokenIssuer, true) {
			respondError(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set("username", claims["username"])

		c.Next()
	}
}

// SecurityHeaders returns a middleware that sets security headers
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}
