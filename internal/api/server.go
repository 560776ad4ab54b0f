// Package api exposes the HTTP surface: upload endpoints, chunked
// transfer, invite administration, album management, session auth and
// the websocket progress stream.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"photodrop/internal/album"
	"photodrop/internal/chunk"
	"photodrop/internal/download"
	"photodrop/internal/immich"
	"photodrop/internal/invite"
	"photodrop/internal/progress"
	"photodrop/internal/upload"
)

// Config carries the request-layer knobs; everything else lives in the
// wired components.
type Config struct {
	// SessionSecret signs the session cookie JWT.
	SessionSecret string
	// PublicUpload permits uploads without an invite token or an admin
	// session.
	PublicUpload bool
	// PublicBaseURL is used to render absolute invite links; empty means
	// links are returned as paths.
	PublicBaseURL string
	DefaultAlbum  string
	// ChunkThreshold and ChunkSize are advertised to clients via
	// /api/config so they know when and how to split files.
	ChunkThreshold int64
	ChunkSize      int64
	MaxFileSize    int64
	Version        string
}

type Server struct {
	cfg     Config
	coord   *upload.Coordinator
	chunks  *chunk.Manager
	hub     *progress.Hub
	invites *invite.Registry
	albums  *album.Resolver
	immich  *immich.Client
	dl      download.Downloader
	db      *sql.DB
	log     zerolog.Logger
}

func New(cfg Config, coord *upload.Coordinator, chunks *chunk.Manager, hub *progress.Hub,
	invites *invite.Registry, albums *album.Resolver, client *immich.Client,
	dl download.Downloader, db *sql.DB, log zerolog.Logger) *Server {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 2 << 30
	}
	return &Server{
		cfg:     cfg,
		coord:   coord,
		chunks:  chunks,
		hub:     hub,
		invites: invites,
		albums:  albums,
		immich:  client,
		dl:      dl,
		db:      db,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Register mounts all routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/ws", s.handleWebsocket)

	api := r.Group("/api")
	{
		api.POST("/ping", s.handlePing)
		api.GET("/config", s.handleConfig)
		api.POST("/login", s.handleLogin)
		api.POST("/logout", s.handleLogout)

		api.POST("/upload", s.handleUpload)
		api.POST("/upload/batch", s.handleUploadBatch)
		api.POST("/upload/chunk/init", s.handleChunkInit)
		api.POST("/upload/chunk", s.handleChunkPut)
		api.POST("/upload/chunk/complete", s.handleChunkComplete)
		api.POST("/upload/chunk/abandon", s.handleChunkAbandon)

		api.POST("/upload/url", s.handleUploadURL)
		api.POST("/upload/urls", s.handleUploadURLs)
		api.GET("/supported-platforms", s.handleSupportedPlatforms)

		api.GET("/invite/:token", s.handleInviteInfo)
		api.POST("/invite/:token/auth", s.handleInviteAuth)

		admin := api.Group("", s.requireAdmin)
		{
			admin.GET("/albums", s.handleListAlbums)
			admin.POST("/albums", s.handleCreateAlbum)
			admin.POST("/album/reset", s.handleAlbumReset)

			admin.POST("/invites", s.handleCreateInvite)
			admin.GET("/invites", s.handleListInvites)
			admin.PATCH("/invite/:token", s.handlePatchInvite)
			admin.POST("/invites/bulk", s.handleBulkInvites)
			admin.POST("/invites/delete", s.handleDeleteInvites)
			admin.GET("/invite/:token/uploads", s.handleInviteUploads)
		}
	}
}

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

func (s *Server) handlePing(c *gin.Context) {
	ctx, cancel := contextWithTimeout(c, 10*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"immich_online": s.immich.Ping(ctx),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	claims := s.readSession(c)
	c.JSON(http.StatusOK, gin.H{
		"public_upload":   s.cfg.PublicUpload,
		"default_album":   s.cfg.DefaultAlbum,
		"chunk_threshold": s.cfg.ChunkThreshold,
		"chunk_size":      s.cfg.ChunkSize,
		"max_file_size":   s.cfg.MaxFileSize,
		"version":         s.cfg.Version,
		"logged_in":       claims != nil && claims.AccessToken != "",
		"is_admin":        claims != nil && claims.IsAdmin,
	})
}
