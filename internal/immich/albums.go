package immich

import (
	"context"
	"net/http"

	"photodrop/internal/album"
)

// ListAlbums returns all albums visible to the authenticated principal.
func (c *Client) ListAlbums(ctx context.Context) ([]album.Info, error) {
	var albums []album.Info
	if err := c.doJSON(ctx, http.MethodGet, "/albums", nil, &albums); err != nil {
		return nil, err
	}
	return albums, nil
}

// CreateAlbum creates a new album and returns its id.
func (c *Client) CreateAlbum(ctx context.Context, name string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/albums", map[string]string{
		"albumName":   name,
		"description": "Auto-created album for photodrop uploads",
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AddAssetToAlbum places an asset in an album. An asset that is already a
// member counts as success.
func (c *Client) AddAssetToAlbum(ctx context.Context, albumID, assetID string) (bool, error) {
	var results []struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	err := c.doJSON(ctx, http.MethodPut, "/albums/"+albumID+"/assets", map[string][]string{
		"ids": {assetID},
	}, &results)
	if err != nil {
		return false, err
	}
	for _, r := range results {
		if r.Success || r.Error == "duplicate" {
			return true, nil
		}
	}
	return false, nil
}
