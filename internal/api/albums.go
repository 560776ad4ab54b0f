package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListAlbums(c *gin.Context) {
	ctx, cancel := contextWithTimeout(c, 30*time.Second)
	defer cancel()
	albums, err := s.immich.ListAlbums(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list albums")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list albums"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"albums": albums, "total": len(albums)})
}

func (s *Server) handleCreateAlbum(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ctx, cancel := contextWithTimeout(c, 30*time.Second)
	defer cancel()
	id, err := s.albums.Resolve(ctx, name)
	if err != nil {
		s.log.Error().Err(err).Str("album", name).Msg("failed to create album")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create album"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "albumName": name})
}

// handleAlbumReset drops the name-to-id cache so renames and deletions
// made directly on the backend become visible.
func (s *Server) handleAlbumReset(c *gin.Context) {
	s.albums.Reset()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
