// Package invite manages upload access tokens: time and usage bounded
// bearer links with one-time-claim semantics. A link's inactive reasons
// (expired, exhausted, claimed) are derived at read time; disabled is the
// only state set by explicit administrator action.
package invite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Rejection reasons surfaced to callers. Each is distinct and user-visible.
var (
	ErrNotFound         = errors.New("invite: not found")
	ErrDisabled         = errors.New("invite: disabled")
	ErrExpired          = errors.New("invite: expired")
	ErrExhausted        = errors.New("invite: exhausted")
	ErrClaimed          = errors.New("invite: already claimed")
	ErrWrongPassword    = errors.New("invite: wrong password")
	ErrPasswordRequired = errors.New("invite: password required")
)

const timeLayout = time.RFC3339

// Link is a persisted invite. MaxUses < 0 means unlimited; MaxUses == 1
// marks a one-time link subject to claim semantics.
type Link struct {
	Token            string
	Name             string
	AlbumID          string
	AlbumName        string
	MaxUses          int
	UsedCount        int
	ExpiresAt        *time.Time
	Claimed          bool
	ClaimedAt        *time.Time
	ClaimedBySession string
	PasswordRequired bool
	Disabled         bool
	OwnerUserID      string
	OwnerEmail       string
	OwnerName        string
	CreatedAt        time.Time
}

func (l *Link) OneTime() bool { return l.MaxUses == 1 }

// Remaining returns the remaining use count, or -1 for unlimited links.
func (l *Link) Remaining() int {
	if l.MaxUses < 0 {
		return -1
	}
	n := l.MaxUses - l.UsedCount
	if n < 0 {
		return 0
	}
	return n
}

type Registry struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// CreateParams describes a new link. ExpiresAfterDays == 0 means no expiry.
type CreateParams struct {
	Name             string
	MaxUses          int
	ExpiresAfterDays int
	AlbumID          string
	AlbumName        string
	Password         string
	OwnerUserID      string
	OwnerEmail       string
	OwnerName        string
}

// endOfDay converts a day count into an absolute end-of-day timestamp:
// days=1 means usable through 23:59:59 today, not 24 hours from now.
func endOfDay(now time.Time, days int) time.Time {
	d := now.UTC().AddDate(0, 0, days-1)
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)
}

func newToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func (r *Registry) Create(ctx context.Context, p CreateParams) (*Link, error) {
	token := newToken()
	now := r.now().UTC()

	var expires interface{}
	var expiresAt *time.Time
	if p.ExpiresAfterDays > 0 {
		t := endOfDay(now, p.ExpiresAfterDays)
		expiresAt = &t
		expires = t.Format(timeLayout)
	}

	var pwHash interface{}
	if strings.TrimSpace(p.Password) != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		pwHash = string(h)
	}

	name := p.Name
	if name == "" {
		base := p.AlbumName
		if base == "" {
			base = "NoAlbum"
		}
		name = fmt.Sprintf("%s-%s", base, now.Format("20060102-1504"))
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invites (token, name, album_id, album_name, max_uses, expires_at, password_hash, owner_user_id, owner_email, owner_name, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		token, name, p.AlbumID, p.AlbumName, p.MaxUses, expires, pwHash,
		p.OwnerUserID, p.OwnerEmail, p.OwnerName, now.Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}

	return &Link{
		Token:            token,
		Name:             name,
		AlbumID:          p.AlbumID,
		AlbumName:        p.AlbumName,
		MaxUses:          p.MaxUses,
		ExpiresAt:        expiresAt,
		PasswordRequired: pwHash != nil,
		OwnerUserID:      p.OwnerUserID,
		OwnerEmail:       p.OwnerEmail,
		OwnerName:        p.OwnerName,
		CreatedAt:        now,
	}, nil
}

func (r *Registry) Get(ctx context.Context, token string) (*Link, error) {
	return scanLink(r.db.QueryRowContext(ctx, selectLink+" WHERE token = ?", token))
}

const selectLink = `SELECT token, COALESCE(name,''), COALESCE(album_id,''), COALESCE(album_name,''),
	max_uses, used_count, COALESCE(expires_at,''), COALESCE(claimed,0), COALESCE(claimed_at,''),
	COALESCE(claimed_by_session,''), COALESCE(password_hash,''), COALESCE(disabled,0),
	COALESCE(owner_user_id,''), COALESCE(owner_email,''), COALESCE(owner_name,''), created_at
	FROM invites`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLink(row rowScanner) (*Link, error) {
	var l Link
	var expires, claimedAt, pwHash, createdAt string
	var claimed, disabled int
	err := row.Scan(&l.Token, &l.Name, &l.AlbumID, &l.AlbumName, &l.MaxUses, &l.UsedCount,
		&expires, &claimed, &claimedAt, &l.ClaimedBySession, &pwHash, &disabled,
		&l.OwnerUserID, &l.OwnerEmail, &l.OwnerName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Claimed = claimed != 0
	l.Disabled = disabled != 0
	l.PasswordRequired = pwHash != ""
	if t, err := parseTime(expires); err == nil {
		l.ExpiresAt = t
	}
	if t, err := parseTime(claimedAt); err == nil {
		l.ClaimedAt = t
	}
	if t, err := parseTime(createdAt); err == nil && t != nil {
		l.CreatedAt = *t
	}
	return &l, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invite: bad timestamp %q", s)
}

// Usable checks the link invariant for the given requester session. It
// returns nil when the link may be used, or the specific rejection reason.
// The password gate is checked separately by VerifyPassword.
func (r *Registry) Usable(l *Link, sessionID string) error {
	if l.Disabled {
		return ErrDisabled
	}
	if l.ExpiresAt != nil && r.now().UTC().After(*l.ExpiresAt) {
		return ErrExpired
	}
	if l.OneTime() {
		if l.Claimed && l.ClaimedBySession != "" && l.ClaimedBySession != sessionID {
			return ErrClaimed
		}
		return nil
	}
	if l.MaxUses >= 0 && l.UsedCount >= l.MaxUses {
		return ErrExhausted
	}
	return nil
}

// InactiveReason returns the short reason string used in list responses,
// or "" when the link is active.
func (r *Registry) InactiveReason(l *Link) string {
	switch err := r.Usable(l, ""); {
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrClaimed):
		return "claimed"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	}
	if l.OneTime() && l.Claimed {
		return "claimed"
	}
	return ""
}

// Claim atomically binds a one-time link to sessionID. Exactly one of two
// concurrent callers wins; the loser observes ErrClaimed even if the
// pre-check saw the link as unclaimed. Claiming an already-owned link by
// the same session succeeds. Non-one-time links claim trivially.
func (r *Registry) Claim(ctx context.Context, token, sessionID string) error {
	l, err := r.Get(ctx, token)
	if err != nil {
		return err
	}
	if err := r.Usable(l, sessionID); err != nil {
		return err
	}
	if !l.OneTime() {
		return nil
	}
	if l.Claimed && l.ClaimedBySession == sessionID {
		return nil
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE invites SET claimed = 1, claimed_at = ?, claimed_by_session = ? WHERE token = ? AND (claimed IS NULL OR claimed = 0)",
		r.now().UTC().Format(timeLayout), sessionID, token,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Lost the race; the winner may still be us from a concurrent request.
	l, err = r.Get(ctx, token)
	if err != nil {
		return err
	}
	if l.ClaimedBySession != sessionID {
		return ErrClaimed
	}
	return nil
}

// RecordUse increments the usage counter without ever exceeding maxUses.
// One-time links pin their count at 1.
func (r *Registry) RecordUse(ctx context.Context, token string) error {
	l, err := r.Get(ctx, token)
	if err != nil {
		return err
	}
	if l.Disabled {
		return ErrDisabled
	}
	if l.ExpiresAt != nil && r.now().UTC().After(*l.ExpiresAt) {
		return ErrExpired
	}
	if l.OneTime() {
		_, err := r.db.ExecContext(ctx, "UPDATE invites SET used_count = 1 WHERE token = ?", token)
		return err
	}
	result, err := r.db.ExecContext(ctx,
		"UPDATE invites SET used_count = used_count + 1 WHERE token = ? AND (max_uses < 0 OR used_count < max_uses)",
		token,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExhausted
	}
	return nil
}

// VerifyPassword checks the invite password without touching usage or claim
// state. Links without a password accept any input.
func (r *Registry) VerifyPassword(ctx context.Context, token, password string) error {
	var pwHash string
	err := r.db.QueryRowContext(ctx, "SELECT COALESCE(password_hash,'') FROM invites WHERE token = ?", token).Scan(&pwHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if pwHash == "" {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if bcrypt.CompareHashAndPassword([]byte(pwHash), []byte(password)) != nil {
		return ErrWrongPassword
	}
	return nil
}
