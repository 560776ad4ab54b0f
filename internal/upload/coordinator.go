// Package upload drives one queue item from admission to its terminal
// status: invite gate, duplicate checks, bounded handoff to the remote
// service, album assignment, dedup recording and progress broadcasting.
package upload

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"photodrop/internal/album"
	"photodrop/internal/dedup"
	"photodrop/internal/immich"
	"photodrop/internal/invite"
	"photodrop/internal/progress"
	"photodrop/internal/store"
)

// Remote is the slice of the asset service the coordinator needs.
type Remote interface {
	BulkUploadCheck(ctx context.Context, checks []immich.BulkCheck) (map[string]immich.BulkCheckResult, error)
	UploadAsset(ctx context.Context, req immich.UploadRequest) (*immich.UploadResponse, error)
	AddAssetToAlbum(ctx context.Context, albumID, assetID string) (bool, error)
}

// Request is one admitted upload item. Data holds the complete payload;
// chunked uploads are assembled before they reach the coordinator.
type Request struct {
	SessionID   string
	ItemID      string
	Filename    string
	ContentType string
	Data        []byte

	// LastModified is the client-reported mtime in Unix milliseconds,
	// zero when unknown.
	LastModified int64

	InviteToken string
	// InviteAuthorized is set by the session layer once the invite's
	// password gate has been passed.
	InviteAuthorized bool

	Fingerprint string
	IP          string
	UserAgent   string
}

// Outcome is the terminal result of one item. Code is machine-readable
// ("" for success and duplicates); Message is the human-readable line
// carried alongside the status.
type Outcome struct {
	Status  progress.Status
	AssetID string
	Message string
	Code    string
}

func (o Outcome) Failed() bool { return o.Status == progress.StatusError }

type Coordinator struct {
	remote       Remote
	dedup        *dedup.Store
	invites      *invite.Registry
	albums       *album.Resolver
	hub          *progress.Hub
	db           *sql.DB
	sem          chan struct{}
	defaultAlbum string
	log          zerolog.Logger
}

// New builds a coordinator admitting at most maxConcurrent simultaneous
// remote uploads; items beyond the bound stay queued until a slot frees.
func New(remote Remote, dedupStore *dedup.Store, invites *invite.Registry, albums *album.Resolver,
	hub *progress.Hub, db *sql.DB, maxConcurrent int, defaultAlbum string, log zerolog.Logger) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Coordinator{
		remote:       remote,
		dedup:        dedupStore,
		invites:      invites,
		albums:       albums,
		hub:          hub,
		db:           db,
		sem:          make(chan struct{}, maxConcurrent),
		defaultAlbum: defaultAlbum,
		log:          log.With().Str("component", "upload").Logger(),
	}
}

func (c *Coordinator) publish(req Request, status progress.Status, pct int, message, responseID string) {
	c.hub.Publish(req.SessionID, progress.Event{
		ItemID:     req.ItemID,
		Status:     status,
		Progress:   pct,
		Message:    message,
		ResponseID: responseID,
	})
}

func (c *Coordinator) fail(req Request, code, message string) Outcome {
	c.publish(req, progress.StatusError, 100, message, "")
	return Outcome{Status: progress.StatusError, Message: message, Code: code}
}

// inviteRejection maps registry errors onto the user-visible rejection
// codes and messages.
func inviteRejection(err error) (code, message string) {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return "invalid_invite", "Invalid invite token"
	case errors.Is(err, invite.ErrDisabled):
		return "invite_disabled", "Invite disabled"
	case errors.Is(err, invite.ErrExpired):
		return "invite_expired", "Invite expired"
	case errors.Is(err, invite.ErrExhausted):
		return "invite_exhausted", "Invite already used up"
	case errors.Is(err, invite.ErrClaimed):
		return "invite_claimed", "Invite already used"
	case errors.Is(err, invite.ErrWrongPassword), errors.Is(err, invite.ErrPasswordRequired):
		return "invite_password_required", "Password required"
	}
	return "invite_error", "Invite check failed"
}

// Process runs one item through its full lifecycle and returns the
// terminal outcome. Failures are isolated to the item: the caller can run
// many Process calls for one session concurrently and an error in one
// never cancels its siblings.
func (c *Coordinator) Process(ctx context.Context, req Request) Outcome {
	c.publish(req, progress.StatusQueued, 0, "", "")

	checksum, err := dedup.Checksum(bytes.NewReader(req.Data))
	if err != nil {
		return c.fail(req, "checksum_failed", "Failed to compute checksum")
	}

	createdAt := time.Now().UTC()
	if req.LastModified > 0 {
		createdAt = time.UnixMilli(req.LastModified).UTC()
	}
	deviceAssetID := fmt.Sprintf("%s-%d-%d", req.Filename, req.LastModified, len(req.Data))

	c.publish(req, progress.StatusChecking, 0, "Checking invite and duplicates", "")

	// Invite gate. Wrong or missing passwords never consume a use or
	// claim the link; the one-time claim itself is an atomic
	// compare-and-set so concurrent sessions cannot both win.
	var link *invite.Link
	if req.InviteToken != "" {
		link, err = c.invites.Get(ctx, req.InviteToken)
		if err != nil {
			code, msg := inviteRejection(err)
			return c.fail(req, code, msg)
		}
		if link.PasswordRequired && !req.InviteAuthorized {
			return c.fail(req, "invite_password_required", "Password required")
		}
		if err := c.invites.Usable(link, req.SessionID); err != nil {
			code, msg := inviteRejection(err)
			return c.fail(req, code, msg)
		}
		if err := c.invites.Claim(ctx, req.InviteToken, req.SessionID); err != nil {
			code, msg := inviteRejection(err)
			return c.fail(req, code, msg)
		}
	}

	// Local duplicate check. Store trouble is treated as a miss: dedup is
	// an optimization, never a reason to fail the item.
	if rec, err := c.dedup.Lookup(ctx, checksum); err != nil {
		c.log.Warn().Err(err).Str("item", req.ItemID).Msg("dedup lookup failed, treating as miss")
	} else if rec != nil {
		c.publish(req, progress.StatusDuplicate, 100, "Duplicate (by checksum, local cache)", rec.AssetID)
		return Outcome{Status: progress.StatusDuplicate, AssetID: rec.AssetID, Message: "Duplicate (by checksum, local cache)"}
	}
	if seen, err := c.dedup.LookupDeviceAsset(ctx, deviceAssetID); err == nil && seen {
		c.publish(req, progress.StatusDuplicate, 100, "Already uploaded from this device (local cache)", "")
		return Outcome{Status: progress.StatusDuplicate, Message: "Already uploaded from this device (local cache)"}
	}

	// Remote duplicate probe before transferring any bytes, best effort.
	c.publish(req, progress.StatusChecking, 2, "Checking duplicates on server", "")
	if results, err := c.remote.BulkUploadCheck(ctx, []immich.BulkCheck{{ID: req.ItemID, Checksum: checksum}}); err != nil {
		c.log.Debug().Err(err).Str("item", req.ItemID).Msg("bulk duplicate check unavailable")
	} else if r, ok := results[req.ItemID]; ok && r.IsDuplicate() {
		c.recordDedup(ctx, checksum, req, deviceAssetID, r.AssetID, createdAt)
		c.publish(req, progress.StatusDuplicate, 100, "Duplicate (server)", r.AssetID)
		return Outcome{Status: progress.StatusDuplicate, AssetID: r.AssetID, Message: "Duplicate (server)"}
	}

	// Bounded admission to the remote service.
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return c.fail(req, "canceled", "Upload canceled")
	}
	defer func() { <-c.sem }()

	c.publish(req, progress.StatusUploading, 0, "Uploading", "")
	resp, err := c.remote.UploadAsset(ctx, immich.UploadRequest{
		Filename:      sanitizeFilename(req.Filename),
		ContentType:   req.ContentType,
		Data:          req.Data,
		Checksum:      checksum,
		DeviceAssetID: deviceAssetID,
		DeviceID:      "photodrop-" + req.SessionID,
		CreatedAt:     createdAt,
		ModifiedAt:    createdAt,
		Progress: func(pct int) {
			c.publish(req, progress.StatusUploading, pct, "", "")
		},
	})
	if err != nil {
		c.log.Error().Err(err).Str("item", req.ItemID).Str("filename", req.Filename).Msg("remote upload failed")
		return c.fail(req, "upload_failed", err.Error())
	}

	c.recordDedup(ctx, checksum, req, deviceAssetID, resp.ID, createdAt)

	message := resp.Status
	if name, added := c.assignAlbum(ctx, link, resp.ID); added {
		message += fmt.Sprintf(" (added to album %q)", name)
	}

	if link != nil {
		if err := c.invites.RecordUse(ctx, req.InviteToken); err != nil {
			c.log.Warn().Err(err).Str("token", req.InviteToken).Msg("failed to record invite use")
		}
	}
	c.logEvent(ctx, req, checksum, resp.ID)

	final := progress.StatusDone
	if resp.Duplicate() {
		final = progress.StatusDuplicate
	}
	c.publish(req, final, 100, message, resp.ID)
	return Outcome{Status: final, AssetID: resp.ID, Message: message}
}

// assignAlbum resolves the target album (invite override wins over the
// configured default) and attaches the asset. Assignment failure is
// logged, never fatal: under sustained backend errors repeated creation
// attempts would be worse than an unassigned asset.
func (c *Coordinator) assignAlbum(ctx context.Context, link *invite.Link, assetID string) (string, bool) {
	if assetID == "" {
		return "", false
	}

	albumID, albumName := "", ""
	switch {
	case link != nil:
		// Invite-scoped uploads only go to the invite's album; no
		// fallback to the configured default.
		albumID, albumName = link.AlbumID, link.AlbumName
		if albumID == "" && albumName == "" {
			return "", false
		}
	case c.defaultAlbum != "":
		albumName = c.defaultAlbum
	default:
		return "", false
	}

	if albumID == "" {
		id, err := c.albums.Resolve(ctx, albumName)
		if err != nil {
			c.log.Warn().Err(err).Str("album", albumName).Msg("album resolution failed")
			return "", false
		}
		albumID = id
	}

	added, err := c.remote.AddAssetToAlbum(ctx, albumID, assetID)
	if err != nil || !added {
		c.log.Warn().Err(err).Str("album_id", albumID).Str("asset", assetID).Msg("album assignment failed")
		return "", false
	}
	if albumName == "" {
		albumName = albumID
	}
	return albumName, true
}

func (c *Coordinator) recordDedup(ctx context.Context, checksum string, req Request, deviceAssetID, assetID string, createdAt time.Time) {
	_, err := c.dedup.Insert(ctx, dedup.Record{
		Checksum:      checksum,
		Filename:      req.Filename,
		Size:          int64(len(req.Data)),
		DeviceAssetID: deviceAssetID,
		AssetID:       assetID,
		CreatedAt:     createdAt.Format(time.RFC3339),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("checksum", checksum).Msg("failed to record dedup entry")
	}
}

func (c *Coordinator) logEvent(ctx context.Context, req Request, checksum, assetID string) {
	err := store.LogEvent(ctx, c.db, store.Event{
		Token:       req.InviteToken,
		IP:          req.IP,
		UserAgent:   req.UserAgent,
		Fingerprint: req.Fingerprint,
		Filename:    req.Filename,
		Size:        int64(len(req.Data)),
		Checksum:    checksum,
		AssetID:     assetID,
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to write upload event")
	}
}

// sanitizeFilename strips control characters and path separators while
// preserving the rest of the original name.
func sanitizeFilename(name string) string {
	cleaned := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r < 32 || r == 127:
		case r == '/' || r == '\\':
			cleaned = append(cleaned, '_')
		default:
			cleaned = append(cleaned, r)
		}
	}
	out := string(cleaned)
	if out == "" {
		return "file"
	}
	return out
}
