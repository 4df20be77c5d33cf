package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/syncerr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		switch r.URL.Query().Get("cursor") {
		case "":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"items": []map[string]interface{}{
					{"id": "p1", "key": "sku-1", "kind": "products", "attributes": map[string]interface{}{"price": 10}},
					{"id": "p2", "kind": "products"},
				},
				"next_cursor": "c2",
			})
		case "c2":
			writeJSON(w, http.StatusOK, map[string]interface{}{"items": []interface{}{}})
		case "busy":
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
		case "denied":
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad token"})
		case "garbled":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items": "nope"}`))
		}
	})
	mux.HandleFunc("/items/p1/assets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"assets": []map[string]interface{}{
				{"order_index": 0, "url": "/files/a.png", "content_type": "image/png"},
				{"order_index": 1, "url": "/files/missing.png"},
			},
		})
	})
	mux.HandleFunc("/files/a.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPage(t *testing.T) {
	srv := newServer(t)
	c := New(Config{Name: "erp", BaseURL: srv.URL, APIKey: "secret"})
	ctx := context.Background()

	page, err := c.FetchPage(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c2", page.NextCursor)
	assert.Equal(t, "sku-1", page.Items[0].NaturalKey)
	assert.Equal(t, float64(10), page.Items[0].Attributes["price"])
	assert.Equal(t, "p2", page.Items[1].NaturalKey, "key falls back to id")

	last, err := c.FetchPage(ctx, "c2", 2)
	require.NoError(t, err)
	assert.Empty(t, last.Items)
	assert.Empty(t, last.NextCursor)
	assert.Equal(t, "http:erp", c.GetSourceID())
}

func TestFetchPage_ErrorClassification(t *testing.T) {
	srv := newServer(t)
	c := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	ctx := context.Background()

	_, err := c.FetchPage(ctx, "busy", 2)
	assert.True(t, syncerr.IsTransient(err))
	assert.Contains(t, err.Error(), "maintenance")

	_, err = c.FetchPage(ctx, "denied", 2)
	assert.True(t, syncerr.IsFatal(err))

	_, err = c.FetchPage(ctx, "garbled", 2)
	assert.True(t, syncerr.IsFatal(err))
}

func TestFetchPage_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).FetchPage(context.Background(), "", 1)
	assert.True(t, syncerr.IsTransient(err))
}

func TestFetchAssets(t *testing.T) {
	srv := newServer(t)
	c := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	ctx := context.Background()

	assets, err := c.FetchAssets(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "image/png", assets[0].ContentType)

	rc, err := assets[0].Open(ctx)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "png bytes", string(body))

	_, err = assets[1].Open(ctx)
	assert.True(t, syncerr.IsNotFound(err), "a missing file fails only its item")

	_, err = c.FetchAssets(ctx, "unknown")
	assert.True(t, syncerr.IsNotFound(err))
}
