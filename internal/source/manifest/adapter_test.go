package manifest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/syncerr"
)

func writeExport(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, AssetsDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(strings.Join(lines, "\n")), 0o644))
	return dir
}

func TestFetchPage_PaginatesInIDOrder(t *testing.T) {
	dir := writeExport(t,
		`{"id":"c","kind":"products"}`,
		`{"id":"a","key":"sku-a","kind":"products","attributes":{"color":"red"}}`,
		`not json`,
		`{"kind":"products"}`,
		``,
		`{"id":"b","kind":"products"}`,
	)
	a := NewAdapter(dir, "")
	ctx := context.Background()

	page, err := a.FetchPage(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a", page.Items[0].OriginID)
	assert.Equal(t, "sku-a", page.Items[0].NaturalKey)
	assert.Equal(t, "red", page.Items[0].Attributes["color"])
	assert.Equal(t, "b", page.Items[1].NaturalKey)
	assert.Equal(t, "2", page.NextCursor)

	page, err = a.FetchPage(ctx, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c", page.Items[0].OriginID)
	assert.Empty(t, page.NextCursor)

	page, err = a.FetchPage(ctx, "10", 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = a.FetchPage(ctx, "x", 2)
	assert.True(t, syncerr.IsFatal(err))
	assert.Equal(t, "manifest:"+filepath.Base(dir), a.GetSourceID())
}

func TestFetchPage_DuplicateIDKeepsLaterLine(t *testing.T) {
	dir := writeExport(t,
		`{"id":"a","title":"old"}`,
		`{"id":"a","title":"new"}`,
	)
	page, err := NewAdapter(dir, "x").FetchPage(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "new", page.Items[0].Title)
}

func TestFetchAssets(t *testing.T) {
	dir := writeExport(t, `{"id":"a","assets":["one.png","../../etc/passwd"]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, AssetsDir, "one.png"), []byte("first"), 0o644))
	a := NewAdapter(dir, "x")
	ctx := context.Background()

	assets, err := a.FetchAssets(ctx, "a")
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, 1, assets[1].OrderIndex)

	rc, err := assets[0].Open(ctx)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "first", string(body))

	// Traversal is clamped into the assets directory, where the file is absent.
	_, err = assets[1].Open(ctx)
	assert.True(t, syncerr.IsNotFound(err))

	_, err = a.FetchAssets(ctx, "missing")
	assert.True(t, syncerr.IsNotFound(err))
}

func TestMissingManifestIsFatal(t *testing.T) {
	_, err := NewAdapter(t.TempDir(), "x").FetchPage(context.Background(), "", 1)
	assert.True(t, syncerr.IsFatal(err))
}
