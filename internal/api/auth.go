package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "photodrop_session"
	sessionTTL    = 7 * 24 * time.Hour
)

// sessionClaims is the cookie payload. A session may exist without an
// AccessToken: anonymous visitors get one as soon as they pass an invite
// password gate, so InviteAuth survives page reloads.
type sessionClaims struct {
	jwt.RegisteredClaims
	AccessToken string          `json:"accessToken,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Email       string          `json:"email,omitempty"`
	Name        string          `json:"name,omitempty"`
	IsAdmin     bool            `json:"isAdmin,omitempty"`
	InviteAuth  map[string]bool `json:"inviteAuth,omitempty"`
}

// readSession returns the verified cookie claims, or nil when the cookie
// is absent, malformed or expired.
func (s *Server) readSession(c *gin.Context) *sessionClaims {
	raw, err := c.Cookie(sessionCookie)
	if err != nil || raw == "" {
		return nil
	}
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.SessionSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !token.Valid {
		return nil
	}
	return &claims
}

func (s *Server) writeSession(c *gin.Context, claims *sessionClaims) error {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(sessionTTL))
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SessionSecret))
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, signed, int(sessionTTL/time.Second), "/", "", false, true)
	return nil
}

func (s *Server) clearSession(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
}

// requireAdmin gates the administrative routes on a logged-in admin
// session.
func (s *Server) requireAdmin(c *gin.Context) {
	claims := s.readSession(c)
	if claims == nil || claims.AccessToken == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	if !claims.IsAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin privileges required"})
		return
	}
	c.Set("session", claims)
	c.Next()
}

// sessionFrom returns the claims stored by requireAdmin.
func sessionFrom(c *gin.Context) *sessionClaims {
	v, ok := c.Get("session")
	if !ok {
		return nil
	}
	claims, _ := v.(*sessionClaims)
	return claims
}

func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	ctx, cancel := contextWithTimeout(c, 15*time.Second)
	defer cancel()
	result, err := s.immich.Login(ctx, body.Email, body.Password)
	if err != nil {
		s.log.Warn().Err(err).Str("email", body.Email).Msg("login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	// Carry over any invite authorizations from the anonymous session.
	var inviteAuth map[string]bool
	if prev := s.readSession(c); prev != nil {
		inviteAuth = prev.InviteAuth
	}

	claims := &sessionClaims{
		AccessToken: result.AccessToken,
		UserID:      result.UserID,
		Email:       result.UserEmail,
		Name:        result.Name,
		IsAdmin:     result.IsAdmin,
		InviteAuth:  inviteAuth,
	}
	if err := s.writeSession(c, claims); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":  result.UserID,
		"email":   result.UserEmail,
		"name":    result.Name,
		"isAdmin": result.IsAdmin,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.clearSession(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
