package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"photodrop/internal/invite"
	"photodrop/internal/store"
)

func (s *Server) inviteURL(token string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + "/invite/" + token
}

// linkJSON is the admin-facing representation of an invite.
func (s *Server) linkJSON(l *invite.Link) gin.H {
	body := gin.H{
		"token":             l.Token,
		"url":               s.inviteURL(l.Token),
		"name":              l.Name,
		"album_id":          l.AlbumID,
		"album_name":        l.AlbumName,
		"max_uses":          l.MaxUses,
		"used_count":        l.UsedCount,
		"remaining":         l.Remaining(),
		"one_time":          l.OneTime(),
		"requires_password": l.PasswordRequired,
		"disabled":          l.Disabled,
		"created_at":        l.CreatedAt.Format(time.RFC3339),
	}
	if l.ExpiresAt != nil {
		body["expires_at"] = l.ExpiresAt.Format(time.RFC3339)
	}
	if l.Claimed {
		body["claimed"] = true
		if l.ClaimedAt != nil {
			body["claimed_at"] = l.ClaimedAt.Format(time.RFC3339)
		}
	}
	if reason := s.invites.InactiveReason(l); reason != "" {
		body["inactive_reason"] = reason
	}
	return body
}

func (s *Server) handleCreateInvite(c *gin.Context) {
	var body struct {
		Name             string `json:"name"`
		AlbumID          string `json:"album_id"`
		AlbumName        string `json:"album_name"`
		MaxUses          *int   `json:"max_uses"`
		ExpiresAfterDays int    `json:"expires_after_days"`
		Password         string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Omitting max_uses makes a one-time link; -1 means unlimited.
	maxUses := 1
	if body.MaxUses != nil {
		maxUses = *body.MaxUses
	}
	if maxUses == 0 || maxUses < -1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_uses must be -1 or a positive number"})
		return
	}
	claims := sessionFrom(c)

	link, err := s.invites.Create(c.Request.Context(), invite.CreateParams{
		Name:             body.Name,
		MaxUses:          maxUses,
		ExpiresAfterDays: body.ExpiresAfterDays,
		AlbumID:          body.AlbumID,
		AlbumName:        body.AlbumName,
		Password:         body.Password,
		OwnerUserID:      claims.UserID,
		OwnerEmail:       claims.Email,
		OwnerName:        claims.Name,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create invite")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create invite"})
		return
	}
	c.JSON(http.StatusCreated, s.linkJSON(link))
}

func (s *Server) handleListInvites(c *gin.Context) {
	claims := sessionFrom(c)
	links, err := s.invites.List(c.Request.Context(), claims.UserID, c.Query("q"), c.Query("sort"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list invites"})
		return
	}
	out := make([]gin.H, 0, len(links))
	for _, l := range links {
		out = append(out, s.linkJSON(l))
	}
	c.JSON(http.StatusOK, gin.H{"invites": out, "total": len(out)})
}

// handleInviteInfo is the public view a visitor gets when opening an
// invite link: enough to render the upload page, nothing about the owner.
func (s *Server) handleInviteInfo(c *gin.Context) {
	link, err := s.invites.Get(c.Request.Context(), c.Param("token"))
	if errors.Is(err, invite.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown invite"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load invite"})
		return
	}

	body := gin.H{
		"token":             link.Token,
		"name":              link.Name,
		"album_name":        link.AlbumName,
		"requires_password": link.PasswordRequired,
		"remaining":         link.Remaining(),
	}
	if reason := s.invites.InactiveReason(link); reason != "" {
		body["inactive_reason"] = reason
	}
	if link.PasswordRequired {
		claims := s.readSession(c)
		body["authorized"] = claims != nil && claims.InviteAuth[link.Token]
	}
	c.JSON(http.StatusOK, body)
}

// handleInviteAuth checks the invite password and, on success, marks the
// session as authorized for this token. Password checks never touch
// usage accounting.
func (s *Server) handleInviteAuth(c *gin.Context) {
	token := c.Param("token")
	var body struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch err := s.invites.VerifyPassword(c.Request.Context(), token, body.Password); {
	case errors.Is(err, invite.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown invite"})
		return
	case errors.Is(err, invite.ErrPasswordRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	case errors.Is(err, invite.ErrWrongPassword):
		c.JSON(http.StatusForbidden, gin.H{"error": "wrong password"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify password"})
		return
	}

	claims := s.readSession(c)
	if claims == nil {
		claims = &sessionClaims{}
	}
	if claims.InviteAuth == nil {
		claims.InviteAuth = make(map[string]bool)
	}
	claims.InviteAuth[token] = true
	if err := s.writeSession(c, claims); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": true})
}

func (s *Server) handlePatchInvite(c *gin.Context) {
	var body struct {
		Name        *string `json:"name"`
		Disabled    *bool   `json:"disabled"`
		MaxUses     *int    `json:"max_uses"`
		ExpiresAt   *string `json:"expires_at"`
		ExpiresDays *int    `json:"expires_after_days"`
		Password    *string `json:"password"`
		ResetUsage  bool    `json:"reset_usage"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := invite.PatchParams{
		Name:        body.Name,
		Disabled:    body.Disabled,
		MaxUses:     body.MaxUses,
		ExpiresDays: body.ExpiresDays,
		Password:    body.Password,
		ResetUsage:  body.ResetUsage,
	}
	if body.ExpiresAt != nil {
		if *body.ExpiresAt == "" {
			// Explicit empty string clears the expiry.
			params.ExpiresAt = &time.Time{}
		} else {
			t, err := time.Parse(time.RFC3339, *body.ExpiresAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be RFC3339"})
				return
			}
			params.ExpiresAt = &t
		}
	}

	claims := sessionFrom(c)
	token := c.Param("token")
	changed, err := s.invites.Patch(c.Request.Context(), claims.UserID, token, params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update invite"})
		return
	}
	if !changed {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown invite"})
		return
	}

	link, err := s.invites.Get(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load invite"})
		return
	}
	c.JSON(http.StatusOK, s.linkJSON(link))
}

func (s *Server) handleBulkInvites(c *gin.Context) {
	var body struct {
		Tokens []string `json:"tokens" binding:"required"`
		Action string   `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var disabled bool
	switch body.Action {
	case "disable":
		disabled = true
	case "enable":
		disabled = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be enable or disable"})
		return
	}

	claims := sessionFrom(c)
	n, err := s.invites.BulkSetDisabled(c.Request.Context(), claims.UserID, body.Tokens, disabled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bulk update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (s *Server) handleDeleteInvites(c *gin.Context) {
	var body struct {
		Tokens []string `json:"tokens" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims := sessionFrom(c)
	n, err := s.invites.BulkDelete(c.Request.Context(), claims.UserID, body.Tokens)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bulk delete failed"})
		return
	}
	// Audit events for deleted links go with them.
	if err := store.DeleteEventsByTokens(c.Request.Context(), s.db, body.Tokens); err != nil {
		s.log.Warn().Err(err).Msg("failed to prune upload events for deleted invites")
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) handleInviteUploads(c *gin.Context) {
	events, err := store.EventsByToken(c.Request.Context(), s.db, c.Param("token"), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load uploads"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": events, "total": len(events)})
}
