package immich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// UploadRequest carries one asset to the remote service. Data is the full
// reassembled payload; chunking never reaches this layer.
type UploadRequest struct {
	Filename      string
	ContentType   string
	Data          []byte
	Checksum      string
	DeviceAssetID string
	DeviceID      string
	CreatedAt     time.Time
	ModifiedAt    time.Time

	// Progress, when set, receives the transfer percentage as the request
	// body streams out. It is invoked from the uploading goroutine.
	Progress func(pct int)
}

// UploadResponse is the remote service's answer. Status "duplicate" means
// the server already held these bytes; any other status is a fresh asset.
type UploadResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (r UploadResponse) Duplicate() bool { return r.Status == "duplicate" }

// progressReader counts bytes as the HTTP client drains the body and
// reports whole-percent changes.
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	lastPct int
	report  func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && p.report != nil {
		pct := int(p.read * 100 / p.total)
		if pct != p.lastPct {
			p.lastPct = pct
			p.report(pct)
		}
	}
	return n, err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// UploadAsset forwards one asset and returns the remote id. The content
// checksum rides in a header so the server can short-circuit duplicates.
// The multipart body streams through a pipe, so the encoded form is never
// materialized in memory next to req.Data.
func (c *Client) UploadAsset(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeAssetForm(w, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assets", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("x-immich-checksum", req.Checksum)
	c.setAuth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: truncate(raw)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := truncate(raw)
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
			msg = parsed.Message
		}
		return nil, fmt.Errorf("immich: upload failed: status %d: %s", resp.StatusCode, msg)
	}

	var result UploadResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("immich: decode upload response: %w", err)
	}
	if result.Status == "" {
		result.Status = "created"
	}
	return &result, nil
}

// writeAssetForm encodes the upload form onto w. The asset bytes flow
// through a progress counter, and the pipe behind w has no buffer, so
// reported progress tracks what the transport has actually drained.
func writeAssetForm(w *multipart.Writer, req UploadRequest) error {
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="assetData"; filename="%s"`, quoteEscaper.Replace(req.Filename)))
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return err
	}

	src := &progressReader{
		r:       bytes.NewReader(req.Data),
		total:   int64(len(req.Data)),
		lastPct: -1,
		report:  req.Progress,
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}

	fields := map[string]string{
		"deviceAssetId":    req.DeviceAssetID,
		"deviceId":         req.DeviceID,
		"fileCreatedAt":    req.CreatedAt.UTC().Format(time.RFC3339),
		"fileModifiedAt":   req.ModifiedAt.UTC().Format(time.RFC3339),
		"isFavorite":       "false",
		"filename":         req.Filename,
		"originalFileName": req.Filename,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	return w.Close()
}
