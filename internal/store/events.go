package store

import (
	"context"
	"database/sql"
)

// Event is one row of the upload audit log. Rows are written after a
// successful forward to the remote service and are scoped to the invite
// token used for the upload (empty for direct uploads).
type Event struct {
	Token       string `json:"token,omitempty"`
	UploadedAt  string `json:"uploadedAt"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	AssetID     string `json:"assetId,omitempty"`
}

func LogEvent(ctx context.Context, db *sql.DB, ev Event) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO upload_events (token, ip, user_agent, fingerprint, filename, size, checksum, asset_id) VALUES (?,?,?,?,?,?,?,?)",
		ev.Token, ev.IP, ev.UserAgent, ev.Fingerprint, ev.Filename, ev.Size, ev.Checksum, ev.AssetID,
	)
	return err
}

func EventsByToken(ctx context.Context, db *sql.DB, token string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx,
		"SELECT token, uploaded_at, ip, user_agent, fingerprint, filename, size, checksum, COALESCE(asset_id,'') FROM upload_events WHERE token = ? ORDER BY uploaded_at DESC LIMIT ?",
		token, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Token, &ev.UploadedAt, &ev.IP, &ev.UserAgent, &ev.Fingerprint, &ev.Filename, &ev.Size, &ev.Checksum, &ev.AssetID); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func DeleteEventsByTokens(ctx context.Context, db *sql.DB, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	query := "DELETE FROM upload_events WHERE token IN (" + placeholders(len(tokens)) + ")"
	args := make([]interface{}, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	_, err := db.ExecContext(ctx, query, args...)
	return err
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
