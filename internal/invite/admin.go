package invite

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// sortClauses maps the sort tokens accepted by the list endpoint to SQL.
// Unknown tokens fall back to newest-first.
var sortClauses = map[string]string{
	"created":  "created_at ASC",
	"+created": "created_at ASC",
	"-created": "created_at DESC",
	"expires":  "expires_at ASC",
	"+expires": "expires_at ASC",
	"-expires": "expires_at DESC",
	"name":     "name ASC",
	"+name":    "name ASC",
	"-name":    "name DESC",
}

// List returns links owned by ownerUserID, optionally filtered by a
// substring query over name, album name and token.
func (r *Registry) List(ctx context.Context, ownerUserID, query, sort string) ([]*Link, error) {
	order, ok := sortClauses[strings.TrimSpace(sort)]
	if !ok {
		order = "created_at DESC"
	}

	sqlQuery := selectLink + " WHERE owner_user_id = ?"
	args := []interface{}{ownerUserID}
	if q := strings.TrimSpace(query); q != "" {
		like := "%" + q + "%"
		sqlQuery += " AND (COALESCE(name,'') LIKE ? OR COALESCE(album_name,'') LIKE ? OR token LIKE ?)"
		args = append(args, like, like, like)
	}
	sqlQuery += " ORDER BY " + order

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// PatchParams carries partial updates. Pointer fields distinguish "leave
// unchanged" from "set to zero value". Setting ExpiresAt to a non-nil
// pointer holding the zero time clears the expiry entirely. Password set
// to a non-nil empty string removes the password. Patching never resets
// usage or claim state unless ResetUsage is explicit.
type PatchParams struct {
	Name        *string
	Disabled    *bool
	MaxUses     *int
	ExpiresAt   *time.Time
	ExpiresDays *int
	Password    *string
	ResetUsage  bool
}

// Patch applies p to the owner's link. It reports whether a row changed.
func (r *Registry) Patch(ctx context.Context, ownerUserID, token string, p PatchParams) (bool, error) {
	var sets []string
	var args []interface{}

	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, strings.TrimSpace(*p.Name))
	}
	if p.Disabled != nil {
		v := 0
		if *p.Disabled {
			v = 1
		}
		sets = append(sets, "disabled = ?")
		args = append(args, v)
	}
	if p.MaxUses != nil {
		sets = append(sets, "max_uses = ?")
		args = append(args, *p.MaxUses)
	}
	if p.ExpiresAt != nil {
		if p.ExpiresAt.IsZero() {
			sets = append(sets, "expires_at = NULL")
		} else {
			sets = append(sets, "expires_at = ?")
			args = append(args, p.ExpiresAt.UTC().Format(timeLayout))
		}
	} else if p.ExpiresDays != nil {
		if *p.ExpiresDays > 0 {
			sets = append(sets, "expires_at = ?")
			args = append(args, endOfDay(r.now().UTC(), *p.ExpiresDays).Format(timeLayout))
		} else {
			// Only a positive day count sets an expiry, as on creation;
			// zero or less clears it instead of backdating the link.
			sets = append(sets, "expires_at = NULL")
		}
	}
	if p.Password != nil {
		if strings.TrimSpace(*p.Password) == "" {
			sets = append(sets, "password_hash = NULL")
		} else {
			h, err := bcrypt.GenerateFromPassword([]byte(*p.Password), bcrypt.DefaultCost)
			if err != nil {
				return false, err
			}
			sets = append(sets, "password_hash = ?")
			args = append(args, string(h))
		}
	}

	changed := false
	if len(sets) > 0 {
		args = append(args, token, ownerUserID)
		result, err := r.db.ExecContext(ctx,
			"UPDATE invites SET "+strings.Join(sets, ", ")+" WHERE token = ? AND owner_user_id = ?",
			args...,
		)
		if err != nil {
			return false, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		changed = n > 0
	}

	if p.ResetUsage {
		result, err := r.db.ExecContext(ctx,
			"UPDATE invites SET used_count = 0, claimed = 0, claimed_at = NULL, claimed_by_session = NULL WHERE token = ? AND owner_user_id = ?",
			token, ownerUserID,
		)
		if err != nil {
			return changed, err
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			changed = true
		}
	}

	return changed, nil
}

// BulkSetDisabled enables or disables all of the owner's listed tokens and
// returns the number of links updated.
func (r *Registry) BulkSetDisabled(ctx context.Context, ownerUserID string, tokens []string, disabled bool) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	v := 0
	if disabled {
		v = 1
	}
	args := []interface{}{v, ownerUserID}
	for _, t := range tokens {
		args = append(args, t)
	}
	result, err := r.db.ExecContext(ctx,
		"UPDATE invites SET disabled = ? WHERE owner_user_id = ? AND token IN ("+placeholders(len(tokens))+")",
		args...,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// BulkDelete hard-deletes the owner's listed tokens and returns the number
// of links removed. Audit rows are deleted separately by the caller so the
// log never outlives its invite.
func (r *Registry) BulkDelete(ctx context.Context, ownerUserID string, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	args := []interface{}{ownerUserID}
	for _, t := range tokens {
		args = append(args, t)
	}
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM invites WHERE owner_user_id = ? AND token IN ("+placeholders(len(tokens))+")",
		args...,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ",?"
	}
	return out
}
