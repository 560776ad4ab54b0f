// Package dedup persists one record per content checksum so that a file
// which was already forwarded to the remote service is never transferred
// again. Records are written once and never mutated.
package dedup

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
)

// Record is a prior-upload entry keyed by checksum.
type Record struct {
	Checksum      string
	Filename      string
	Size          int64
	DeviceAssetID string
	AssetID       string
	CreatedAt     string
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Checksum computes the streaming SHA-1 digest used as the dedup key.
// It is independent of chunking: callers hash the fully assembled payload.
func Checksum(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the record for checksum, or nil if it has not been seen.
func (s *Store) Lookup(ctx context.Context, checksum string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx,
		"SELECT checksum, filename, size, device_asset_id, COALESCE(asset_id,''), COALESCE(created_at,'') FROM uploads WHERE checksum = ?",
		checksum,
	).Scan(&rec.Checksum, &rec.Filename, &rec.Size, &rec.DeviceAssetID, &rec.AssetID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LookupDeviceAsset reports whether this service already uploaded an asset
// with the given device asset id.
func (s *Store) LookupDeviceAsset(ctx context.Context, deviceAssetID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM uploads WHERE device_asset_id = ?)", deviceAssetID,
	).Scan(&exists)
	return exists, err
}

// Insert records a completed upload. The insert is idempotent: the first
// writer wins, and later callers for the same checksum observe inserted=false
// rather than an error.
func (s *Store) Insert(ctx context.Context, rec Record) (inserted bool, err error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO uploads (checksum, filename, size, device_asset_id, asset_id, created_at) VALUES (?,?,?,?,?,?)",
		rec.Checksum, rec.Filename, rec.Size, rec.DeviceAssetID, rec.AssetID, rec.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
