package stitcher

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// maxPlaylistBytes bounds an origin playlist fetch.
const maxPlaylistBytes = 1 << 20

// OriginFetcher fetches live playlist documents from the origin. Fetches are
// idempotent GETs; the engine expects no side effects of them.
type OriginFetcher interface {
	FetchPlaylist(ctx context.Context, url string) ([]byte, error)
}

// HTTPOriginFetcher fetches playlists over HTTP. Concurrent fetches of the
// same URL are coalesced through singleflight so a burst of rendition
// requests at a cycle boundary costs one origin GET.
type HTTPOriginFetcher struct {
	client *http.Client
	sf     singleflight.Group
}

// NewHTTPOriginFetcher returns a fetcher using the given client.
func NewHTTPOriginFetcher(client *http.Client) *HTTPOriginFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOriginFetcher{client: client}
}

// FetchPlaylist implements OriginFetcher. The caller's context bounds the
// fetch; a timed-out fetch surfaces as ErrOriginUnavailable and the caller
// decides whether a previously fetched window is still servable.
func (f *HTTPOriginFetcher) FetchPlaylist(ctx context.Context, url string) ([]byte, error) {
	v, err, _ := f.sf.Do(url, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOriginUnavailable, err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOriginUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrOriginUnavailable, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOriginUnavailable, err)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
