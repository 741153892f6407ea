package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/tsfarm/internal/db"
)

// Operator sessions for the admin API. The bcrypt hash of the admin password
// and the HMAC key that signs session tokens both live in the settings table.

const (
	cookieName   = "tsfarm_session"
	issuer       = "tsfarm"
	adminSubject = "admin"
	defaultTTL   = 24 * time.Hour
)

var errWrongPassword = errors.New("wrong password")

type AuthMiddleware struct {
	secret []byte
	ttl    time.Duration
	log    *slog.Logger
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type SetupRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=6"`
}

type SessionResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type StatusResponse struct {
	Authenticated bool       `json:"authenticated"`
	SetupRequired bool       `json:"setup_required"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// NewAuthMiddleware loads the signing key, creating one on first start.
// Sessions last ttl, or a day when ttl is not positive.
func NewAuthMiddleware(ctx context.Context, ttl time.Duration) (*AuthMiddleware, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	secret, err := loadSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session key: %w", err)
	}
	return &AuthMiddleware{
		secret: secret,
		ttl:    ttl,
		log:    slog.Default().With("component", "api"),
	}, nil
}

func loadSecret(ctx context.Context) ([]byte, error) {
	setting, err := db.Settings.GetSetting(ctx, db.SettingJWTSecret)
	if err == nil {
		return hex.DecodeString(setting.Value)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := db.Settings.SetSetting(ctx, db.SettingJWTSecret, hex.EncodeToString(secret), false); err != nil {
		return nil, err
	}
	return secret, nil
}

func setupRequired(ctx context.Context) (bool, error) {
	_, err := db.Settings.GetSetting(ctx, db.SettingAdminPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

func checkPassword(ctx context.Context, password string) error {
	setting, err := db.Settings.GetSetting(ctx, db.SettingAdminPassword)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(setting.Value), []byte(password)) != nil {
		return errWrongPassword
	}
	return nil
}

func storePassword(ctx context.Context, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return db.Settings.SetSetting(ctx, db.SettingAdminPassword, string(hash), false)
}

func (a *AuthMiddleware) newToken() (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return signed, exp, err
}

func (a *AuthMiddleware) parseToken(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(adminSubject),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func tokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := c.Cookie(cookieName); err == nil {
		return cookie
	}
	return ""
}

// startSession issues a token, sets the session cookie and writes the
// response.
func (a *AuthMiddleware) startSession(c *gin.Context, message string) {
	token, exp, err := a.newToken()
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "internal_error", "failed to issue session")
		return
	}
	c.SetCookie(cookieName, token, int(a.ttl.Seconds()), "/", "", true, true)
	c.JSON(http.StatusOK, SessionResponse{Success: true, Message: message, Token: token, ExpiresAt: exp})
}

func abortJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// SetupHandler sets the first admin password. It is refused once a password
// exists.
func (a *AuthMiddleware) SetupHandler(c *gin.Context) {
	ctx := c.Request.Context()
	required, err := setupRequired(ctx)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "database_error", "failed to read settings")
		return
	}
	if !required {
		abortJSON(c, http.StatusConflict, "setup_complete", "setup already completed")
		return
	}

	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "validation_error", "password must be at least 6 characters")
		return
	}
	if err := storePassword(ctx, req.Password); err != nil {
		abortJSON(c, http.StatusInternalServerError, "database_error", "failed to save password")
		return
	}
	a.log.Info("admin password set")
	a.startSession(c, "setup completed")
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "validation_error", "password is required")
		return
	}

	ctx := c.Request.Context()
	if required, err := setupRequired(ctx); err == nil && required {
		abortJSON(c, http.StatusForbidden, "setup_required", "set an admin password first")
		return
	}
	switch err := checkPassword(ctx, req.Password); {
	case errors.Is(err, errWrongPassword):
		a.log.Warn("failed login", "ip", c.ClientIP())
		abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid password")
		return
	case err != nil:
		abortJSON(c, http.StatusInternalServerError, "database_error", "failed to read settings")
		return
	}
	a.startSession(c, "")
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", true, true)
	c.JSON(http.StatusOK, SessionResponse{Success: true, Message: "logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	var resp StatusResponse
	if raw := tokenFromRequest(c); raw != "" {
		if claims, err := a.parseToken(raw); err == nil {
			resp.Authenticated = true
			if claims.ExpiresAt != nil {
				exp := claims.ExpiresAt.Time
				resp.ExpiresAt = &exp
			}
		}
	}
	if !resp.Authenticated {
		resp.SetupRequired, _ = setupRequired(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}

// ChangePasswordHandler replaces the admin password and starts a new session.
func (a *AuthMiddleware) ChangePasswordHandler(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	ctx := c.Request.Context()
	switch err := checkPassword(ctx, req.CurrentPassword); {
	case errors.Is(err, errWrongPassword):
		abortJSON(c, http.StatusUnauthorized, "unauthorized", "current password is incorrect")
		return
	case err != nil:
		abortJSON(c, http.StatusInternalServerError, "database_error", "failed to read settings")
		return
	}
	if err := storePassword(ctx, req.NewPassword); err != nil {
		abortJSON(c, http.StatusInternalServerError, "database_error", "failed to update password")
		return
	}
	a.log.Info("admin password changed")
	a.startSession(c, "password changed")
}

// RequireAuth rejects requests without a valid session token.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := tokenFromRequest(c)
		if raw == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		claims, err := a.parseToken(raw)
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
			return
		}
		c.Set("session", claims)
		c.Next()
	}
}
