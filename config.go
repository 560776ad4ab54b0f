package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port          string `yaml:"port"`
		PublicBaseURL string `yaml:"public_base_url"`
		SessionSecret string `yaml:"session_secret"`
	} `yaml:"server"`
	Immich struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Album   string `yaml:"album"`
	} `yaml:"immich"`
	Uploads struct {
		Public            bool   `yaml:"public"`
		MaxConcurrent     int    `yaml:"max_concurrent"`
		MaxFileSizeMB     int64  `yaml:"max_file_size_mb"`
		ChunkDir          string `yaml:"chunk_dir"`
		ChunkThresholdMB  int64  `yaml:"chunk_threshold_mb"`
		ChunkSizeMB       int64  `yaml:"chunk_size_mb"`
		ChunkTTLMinutes   int    `yaml:"chunk_ttl_minutes"`
		GCIntervalMinutes int    `yaml:"gc_interval_minutes"`
	} `yaml:"uploads"`
	State struct {
		Database string `yaml:"database"`
	} `yaml:"state"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func LoadConfig() *Config {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	config := defaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("config file not readable, using defaults")
	} else if err := yaml.Unmarshal(data, config); err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("config file not parseable, using defaults")
		config = defaultConfig()
	}

	if v := os.Getenv("IMMICH_BASE_URL"); v != "" {
		config.Immich.BaseURL = v
	}
	if v := os.Getenv("IMMICH_API_KEY"); v != "" {
		config.Immich.APIKey = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		config.Server.SessionSecret = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		config.Server.PublicBaseURL = v
	}

	if config.Immich.BaseURL == "" {
		log.Fatal().Msg("immich base URL must be set via config file or IMMICH_BASE_URL")
	}
	if config.Immich.APIKey == "" {
		log.Fatal().Msg("immich API key must be set via config file or IMMICH_API_KEY")
	}
	if config.Server.SessionSecret == "" {
		// Sessions then reset on every restart; fine for single-node
		// setups that never log in.
		config.Server.SessionSecret = uuid.NewString()
		log.Warn().Msg("no session secret configured, generated an ephemeral one")
	}

	return config
}

func defaultConfig() *Config {
	config := &Config{}
	config.Server.Port = "8080"
	config.Immich.BaseURL = os.Getenv("IMMICH_BASE_URL")
	config.Immich.APIKey = os.Getenv("IMMICH_API_KEY")
	config.Uploads.Public = true
	config.Uploads.MaxConcurrent = 3
	config.Uploads.MaxFileSizeMB = 2048
	config.Uploads.ChunkDir = "./data/chunks"
	config.Uploads.ChunkThresholdMB = 95
	config.Uploads.ChunkSizeMB = 45
	config.Uploads.ChunkTTLMinutes = 60
	config.Uploads.GCIntervalMinutes = 10
	config.State.Database = "./data/photodrop.db"
	config.Logging.Level = "info"
	return config
}
