// Package download fetches media referenced by URL so it can enter the
// normal upload flow. Failures are classified so the client can tell an
// unsupported link from a throttled or auth-gated one.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedURL = errors.New("download: unsupported url")
	ErrRateLimited    = errors.New("download: rate limited by source")
	ErrAuthRequired   = errors.New("download: source requires authentication")
)

// Result is one downloaded media payload.
type Result struct {
	Data        []byte
	Filename    string
	ContentType string
	Platform    string
}

// Downloader is the collaborator contract consumed by the upload layer.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (*Result, error)
}

// platformPatterns maps a platform label to the URL shapes it serves.
var platformPatterns = map[string][]*regexp.Regexp{
	"tiktok": {
		regexp.MustCompile(`tiktok\.com/@[\w.-]+/video/\d+`),
		regexp.MustCompile(`(vm|vt)\.tiktok\.com/[\w]+`),
	},
	"instagram": {
		regexp.MustCompile(`instagram\.com/(p|reel|reels|tv)/[\w-]+`),
	},
	"reddit": {
		regexp.MustCompile(`reddit\.com/r/[\w]+/comments/[\w]+`),
		regexp.MustCompile(`redd\.it/[\w]+`),
	},
	"youtube": {
		regexp.MustCompile(`youtube\.com/(watch\?v=|shorts/)[\w-]+`),
		regexp.MustCompile(`youtu\.be/[\w-]+`),
	},
	"twitter": {
		regexp.MustCompile(`(twitter|x)\.com/[\w]+/status/\d+`),
	},
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".heic": true, ".avif": true,
	".mp4": true, ".mov": true, ".webm": true,
}

// IdentifyPlatform returns the platform label for a URL, "direct" for a
// plain media link, or "" when the URL is not supported.
func IdentifyPlatform(rawURL string) string {
	for platform, patterns := range platformPatterns {
		for _, p := range patterns {
			if p.MatchString(rawURL) {
				return platform
			}
		}
	}
	if isDirectMediaURL(rawURL) {
		return "direct"
	}
	return ""
}

func IsSupported(rawURL string) bool {
	return IdentifyPlatform(rawURL) != ""
}

// SupportedPlatforms lists the platform labels for the public config
// endpoint, direct links excluded.
func SupportedPlatforms() []string {
	return []string{"tiktok", "instagram", "reddit", "youtube", "twitter"}
}

func isDirectMediaURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}

// HTTPDownloader fetches direct media links over plain HTTP. Platform
// pages need an extractor sidecar and are reported as unsupported here;
// the Downloader interface keeps that swap invisible to callers.
type HTTPDownloader struct {
	http    *http.Client
	maxSize int64
	log     zerolog.Logger
}

func NewHTTPDownloader(maxSize int64, log zerolog.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		http:    &http.Client{Timeout: 60 * time.Second},
		maxSize: maxSize,
		log:     log.With().Str("component", "download").Logger(),
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, rawURL string) (*Result, error) {
	platform := IdentifyPlatform(rawURL)
	if platform == "" {
		return nil, ErrUnsupportedURL
	}
	if platform != "direct" {
		return nil, fmt.Errorf("%w: %s pages need an extractor backend", ErrUnsupportedURL, platform)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; photodrop/1.0)")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthRequired
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("download: source returned status %d", resp.StatusCode)
	}

	limit := d.maxSize
	if limit <= 0 {
		limit = 512 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("download: media exceeds %d byte limit", limit)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Result{
		Data:        data,
		Filename:    suggestFilename(rawURL, contentType),
		ContentType: contentType,
		Platform:    platform,
	}, nil
}

func suggestFilename(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return "download-" + uuid.NewString()[:8] + ext
}
