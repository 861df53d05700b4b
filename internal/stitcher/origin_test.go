package stitcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOriginFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	f := NewHTTPOriginFetcher(srv.Client())
	body, err := f.FetchPlaylist(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(body))
}

func TestHTTPOriginFetcherUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPOriginFetcher(srv.Client())
	_, err := f.FetchPlaylist(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrOriginUnavailable)
}

func TestHTTPOriginFetcherUnreachable(t *testing.T) {
	f := NewHTTPOriginFetcher(nil)
	_, err := f.FetchPlaylist(context.Background(), "http://127.0.0.1:1/playlist.m3u8")
	require.ErrorIs(t, err, ErrOriginUnavailable)
}
