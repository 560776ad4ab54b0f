package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"photodrop/internal/album"
	"photodrop/internal/api"
	"photodrop/internal/chunk"
	"photodrop/internal/dedup"
	"photodrop/internal/download"
	"photodrop/internal/immich"
	"photodrop/internal/invite"
	"photodrop/internal/progress"
	"photodrop/internal/store"
	"photodrop/internal/upload"
)

var version = "dev"

func main() {
	config := LoadConfig()

	level, err := zerolog.ParseLevel(config.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("service", "photodrop").Logger()

	if level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	for _, dir := range []string{filepath.Dir(config.State.Database), config.Uploads.ChunkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("failed to create data directory")
		}
	}

	db, err := store.Open(config.State.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state database")
	}
	defer db.Close()

	client := immich.New(config.Immich.BaseURL, config.Immich.APIKey, logger)

	chunkTTL := time.Duration(config.Uploads.ChunkTTLMinutes) * time.Minute
	chunks := chunk.NewManager(config.Uploads.ChunkDir, chunkTTL, logger)
	chunks.StartGC(time.Duration(config.Uploads.GCIntervalMinutes) * time.Minute)
	defer chunks.Stop()

	hub := progress.NewHub(logger)
	albums := album.NewResolver(client, logger)
	invites := invite.NewRegistry(db)
	deduper := dedup.New(db)

	coord := upload.New(client, deduper, invites, albums, hub, db,
		config.Uploads.MaxConcurrent, config.Immich.Album, logger)

	maxFileSize := config.Uploads.MaxFileSizeMB << 20
	dl := download.NewHTTPDownloader(maxFileSize, logger)

	server := api.New(api.Config{
		SessionSecret:  config.Server.SessionSecret,
		PublicUpload:   config.Uploads.Public,
		PublicBaseURL:  config.Server.PublicBaseURL,
		DefaultAlbum:   config.Immich.Album,
		ChunkThreshold: config.Uploads.ChunkThresholdMB << 20,
		ChunkSize:      config.Uploads.ChunkSizeMB << 20,
		MaxFileSize:    maxFileSize,
		Version:        version,
	}, coord, chunks, hub, invites, albums, client, dl, db, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	server.Register(router)

	logger.Info().Str("port", config.Server.Port).Str("immich", config.Immich.BaseURL).Msg("starting server")
	if err := router.Run(":" + config.Server.Port); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
