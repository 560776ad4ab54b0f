package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photodrop/internal/chunk"
	"photodrop/internal/download"
	"photodrop/internal/progress"
	"photodrop/internal/upload"
)

// authorizeUpload decides whether this request may enqueue an upload and
// whether its invite password gate has already been passed.
func (s *Server) authorizeUpload(c *gin.Context, inviteToken string) (authorized bool, ok bool) {
	claims := s.readSession(c)
	admin := claims != nil && claims.IsAdmin
	if inviteToken != "" {
		return claims != nil && claims.InviteAuth[inviteToken], true
	}
	if s.cfg.PublicUpload || admin {
		return false, true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "uploads require an invite link"})
	return false, false
}

// outcomeStatus maps a terminal outcome onto an HTTP status code.
// Duplicates are a success from the client's point of view.
func outcomeStatus(o upload.Outcome) int {
	if !o.Failed() {
		return http.StatusOK
	}
	switch o.Code {
	case "invalid_invite", "invite_disabled", "invite_expired", "invite_exhausted", "invite_claimed":
		return http.StatusForbidden
	case "invite_password_required":
		return http.StatusUnauthorized
	case "upload_failed":
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func outcomeBody(o upload.Outcome) gin.H {
	body := gin.H{
		"status":  string(o.Status),
		"message": o.Message,
	}
	if o.AssetID != "" {
		body["asset_id"] = o.AssetID
	}
	if o.Code != "" {
		body["code"] = o.Code
	}
	return body
}

func (s *Server) handleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	inviteToken := strings.TrimSpace(c.PostForm("invite_token"))
	authorized, ok := s.authorizeUpload(c, inviteToken)
	if !ok {
		return
	}

	if header.Size > s.cfg.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the size limit"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxFileSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload body"})
		return
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the size limit"})
		return
	}

	lastModified, _ := strconv.ParseInt(c.PostForm("last_modified"), 10, 64)
	itemID := c.PostForm("item_id")
	if itemID == "" {
		itemID = uuid.NewString()
	}

	outcome := s.coord.Process(c.Request.Context(), upload.Request{
		SessionID:        c.PostForm("session_id"),
		ItemID:           itemID,
		Filename:         header.Filename,
		ContentType:      header.Header.Get("Content-Type"),
		Data:             data,
		LastModified:     lastModified,
		InviteToken:      inviteToken,
		InviteAuthorized: authorized,
		Fingerprint:      c.PostForm("fingerprint"),
		IP:               c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
	})
	c.JSON(outcomeStatus(outcome), outcomeBody(outcome))
}

const maxBatchFiles = 50

// handleUploadBatch takes several files in one multipart request, aimed at
// shortcut-style clients that cannot drive the per-item flow. Each file
// runs through the same pipeline as a single upload, sequentially, and
// gets its own entry in the response.
func (s *Server) handleUploadBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}
	if len(files) > maxBatchFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at most 50 files per batch"})
		return
	}

	inviteToken := strings.TrimSpace(c.PostForm("invite_token"))
	authorized, ok := s.authorizeUpload(c, inviteToken)
	if !ok {
		return
	}
	sessionID := c.PostForm("session_id")
	fingerprint := c.PostForm("fingerprint")

	type fileResult struct {
		Filename string `json:"filename"`
		Status   string `json:"status"`
		AssetID  string `json:"asset_id,omitempty"`
		Message  string `json:"message,omitempty"`
	}
	results := make([]fileResult, 0, len(files))
	var succeeded, duplicates, failed int
	for _, fh := range files {
		outcome := s.processBatchFile(c, fh, sessionID, inviteToken, fingerprint, authorized)
		switch {
		case outcome.Failed():
			failed++
		case outcome.Status == progress.StatusDuplicate:
			duplicates++
		default:
			succeeded++
		}
		results = append(results, fileResult{
			Filename: fh.Filename,
			Status:   string(outcome.Status),
			AssetID:  outcome.AssetID,
			Message:  outcome.Message,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"total":      len(files),
		"succeeded":  succeeded,
		"duplicates": duplicates,
		"failed":     failed,
		"results":    results,
	})
}

func (s *Server) processBatchFile(c *gin.Context, fh *multipart.FileHeader, sessionID, inviteToken, fingerprint string, authorized bool) upload.Outcome {
	if fh.Size > s.cfg.MaxFileSize {
		return upload.Outcome{Status: progress.StatusError, Message: "file exceeds the size limit", Code: "file_too_large"}
	}
	f, err := fh.Open()
	if err != nil {
		return upload.Outcome{Status: progress.StatusError, Message: "failed to read upload body", Code: "bad_file"}
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxFileSize+1))
	if err != nil {
		return upload.Outcome{Status: progress.StatusError, Message: "failed to read upload body", Code: "bad_file"}
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return upload.Outcome{Status: progress.StatusError, Message: "file exceeds the size limit", Code: "file_too_large"}
	}

	return s.coord.Process(c.Request.Context(), upload.Request{
		SessionID:        sessionID,
		ItemID:           uuid.NewString(),
		Filename:         fh.Filename,
		ContentType:      fh.Header.Get("Content-Type"),
		Data:             data,
		InviteToken:      inviteToken,
		InviteAuthorized: authorized,
		Fingerprint:      fingerprint,
		IP:               c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
	})
}

func (s *Server) handleChunkInit(c *gin.Context) {
	var body struct {
		SessionID    string `json:"session_id" binding:"required"`
		ItemID       string `json:"item_id" binding:"required"`
		Name         string `json:"name" binding:"required"`
		ContentType  string `json:"content_type"`
		Size         int64  `json:"size"`
		TotalChunks  int    `json:"total_chunks" binding:"required"`
		LastModified int64  `json:"last_modified"`
		InviteToken  string `json:"invite_token"`
		Fingerprint  string `json:"fingerprint"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Size > s.cfg.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the size limit"})
		return
	}
	if _, ok := s.authorizeUpload(c, strings.TrimSpace(body.InviteToken)); !ok {
		return
	}

	err := s.chunks.Init(body.SessionID, body.ItemID, body.TotalChunks, chunk.Metadata{
		Name:         body.Name,
		ContentType:  body.ContentType,
		Size:         body.Size,
		LastModified: body.LastModified,
		InviteToken:  strings.TrimSpace(body.InviteToken),
		Fingerprint:  body.Fingerprint,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleChunkPut(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	itemID := c.PostForm("item_id")
	index, err := strconv.Atoi(c.PostForm("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
		return
	}

	file, _, err := c.Request.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing chunk field"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read chunk body"})
		return
	}

	switch err := s.chunks.PutChunk(sessionID, itemID, index, data); {
	case errors.Is(err, chunk.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "no chunk session; call init first"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "index": index})
	}
}

func (s *Server) handleChunkComplete(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id" binding:"required"`
		ItemID    string `json:"item_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, meta, err := s.chunks.Complete(body.SessionID, body.ItemID)
	switch {
	case errors.Is(err, chunk.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "no chunk session; call init first"})
		return
	case errors.Is(err, chunk.ErrMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	authorized, ok := s.authorizeUpload(c, meta.InviteToken)
	if !ok {
		return
	}

	outcome := s.coord.Process(c.Request.Context(), upload.Request{
		SessionID:        body.SessionID,
		ItemID:           body.ItemID,
		Filename:         meta.Name,
		ContentType:      meta.ContentType,
		Data:             data,
		LastModified:     meta.LastModified,
		InviteToken:      meta.InviteToken,
		InviteAuthorized: authorized,
		Fingerprint:      meta.Fingerprint,
		IP:               c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
	})
	c.JSON(outcomeStatus(outcome), outcomeBody(outcome))
}

// handleChunkAbandon discards a partially transferred item, for clients
// that cancel mid-upload. Abandoning an unknown item is not an error.
func (s *Server) handleChunkAbandon(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id" binding:"required"`
		ItemID    string `json:"item_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.chunks.Abandon(body.SessionID, body.ItemID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func downloadStatus(err error) int {
	switch {
	case errors.Is(err, download.ErrUnsupportedURL):
		return http.StatusBadRequest
	case errors.Is(err, download.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, download.ErrAuthRequired):
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleUploadURL(c *gin.Context) {
	var body struct {
		URL         string `json:"url" binding:"required"`
		SessionID   string `json:"session_id"`
		ItemID      string `json:"item_id"`
		InviteToken string `json:"invite_token"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inviteToken := strings.TrimSpace(body.InviteToken)
	authorized, ok := s.authorizeUpload(c, inviteToken)
	if !ok {
		return
	}
	itemID := body.ItemID
	if itemID == "" {
		itemID = uuid.NewString()
	}

	result, err := s.dl.Download(c.Request.Context(), body.URL)
	if err != nil {
		c.JSON(downloadStatus(err), gin.H{"error": err.Error()})
		return
	}

	outcome := s.coord.Process(c.Request.Context(), upload.Request{
		SessionID:        body.SessionID,
		ItemID:           itemID,
		Filename:         result.Filename,
		ContentType:      result.ContentType,
		Data:             result.Data,
		InviteToken:      inviteToken,
		InviteAuthorized: authorized,
		Fingerprint:      body.Fingerprint,
		IP:               c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
	})
	respBody := outcomeBody(outcome)
	respBody["platform"] = result.Platform
	respBody["filename"] = result.Filename
	c.JSON(outcomeStatus(outcome), respBody)
}

const maxBatchURLs = 10

func (s *Server) handleUploadURLs(c *gin.Context) {
	var body struct {
		URLs        []string `json:"urls" binding:"required"`
		SessionID   string   `json:"session_id"`
		InviteToken string   `json:"invite_token"`
		Fingerprint string   `json:"fingerprint"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body.URLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "urls must not be empty"})
		return
	}
	if len(body.URLs) > maxBatchURLs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at most 10 urls per batch"})
		return
	}

	inviteToken := strings.TrimSpace(body.InviteToken)
	authorized, ok := s.authorizeUpload(c, inviteToken)
	if !ok {
		return
	}

	type urlResult struct {
		URL     string `json:"url"`
		Status  string `json:"status"`
		AssetID string `json:"asset_id,omitempty"`
		Message string `json:"message,omitempty"`
	}
	results := make([]urlResult, 0, len(body.URLs))
	succeeded := 0
	for _, rawURL := range body.URLs {
		dl, err := s.dl.Download(c.Request.Context(), rawURL)
		if err != nil {
			results = append(results, urlResult{URL: rawURL, Status: string(progress.StatusError), Message: err.Error()})
			continue
		}
		outcome := s.coord.Process(c.Request.Context(), upload.Request{
			SessionID:        body.SessionID,
			ItemID:           uuid.NewString(),
			Filename:         dl.Filename,
			ContentType:      dl.ContentType,
			Data:             dl.Data,
			InviteToken:      inviteToken,
			InviteAuthorized: authorized,
			Fingerprint:      body.Fingerprint,
			IP:               c.ClientIP(),
			UserAgent:        c.Request.UserAgent(),
		})
		if !outcome.Failed() {
			succeeded++
		}
		results = append(results, urlResult{
			URL:     rawURL,
			Status:  string(outcome.Status),
			AssetID: outcome.AssetID,
			Message: outcome.Message,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     len(body.URLs),
		"succeeded": succeeded,
		"results":   results,
	})
}

func (s *Server) handleSupportedPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platforms":    download.SupportedPlatforms(),
		"direct_links": true,
	})
}
