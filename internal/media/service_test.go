package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/fetch"
)

type harness struct {
	service *Service
	store   cache.Store
	server  *httptest.Server
	hits    atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		switch r.URL.Path {
		case "/avatar.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG\r\n\x1a\navatar"))
		case "/anim.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"v":"5.7.4","layers":[]}`)
		case "/banner":
			w.Header().Set("Content-Type", "image/gif")
			_, _ = w.Write([]byte("GIF89a-banner"))
		case "/badge":
			_, _ = io.WriteString(w, `<svg xmlns="http://www.w3.org/2000/svg"/>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(h.server.Close)

	store, err := cache.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	h.store = store
	coord := fetch.New(&http.Client{Timeout: 5 * time.Second}, store, fetch.Options{})
	h.service = NewService(store, coord, Options{PrefetchConcurrency: 2})
	return h
}

func (h *harness) url(path string) string {
	return h.server.URL + path
}

func TestResolveReturnsLocalAsset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	asset, err := h.service.Resolve(ctx, h.url("/avatar.png"))
	require.NoError(t, err)
	require.Equal(t, "image/png", asset.ContentType)
	require.Equal(t, "avatar.png", asset.Filename)
	require.FileExists(t, asset.LocalPath)

	size, err := h.service.TotalSize(ctx)
	require.NoError(t, err)
	require.Positive(t, size)
	require.EqualValues(t, 1, h.hits.Load())
}

func TestResolveSuggestsCacheNameWithoutURLExtension(t *testing.T) {
	h := newHarness(t)

	asset, err := h.service.Resolve(context.Background(), h.url("/banner"))
	require.NoError(t, err)
	require.Equal(t, filepath.Base(asset.LocalPath), asset.Filename)
	require.Equal(t, ".gif", filepath.Ext(asset.Filename))
}

func TestResolveRejectsInvalidURL(t *testing.T) {
	h := newHarness(t)
	for _, raw := range []string{"", "ftp://example/a.png", "file:///etc/passwd", "https://"} {
		_, err := h.service.Resolve(context.Background(), raw)
		var inputErr *InvalidInputError
		require.ErrorAs(t, err, &inputErr, raw)
		require.Equal(t, KindInvalidInput, Classify(err))
	}
	require.Zero(t, h.hits.Load())
}

func TestReadTextRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	asset, err := h.service.Resolve(ctx, h.url("/anim.json"))
	require.NoError(t, err)

	text, err := h.service.ReadText(ctx, asset.LocalPath)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"5.7.4","layers":[]}`, text)
}

func TestReadTextUnknownPath(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.ReadText(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, cache.ErrNotFound)
	require.Equal(t, KindNotFound, Classify(err))
}

func TestReadTextBinaryFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry, err := h.store.Put(ctx, cache.KeyFor("https://example/blob"), bytes.NewReader([]byte{0xff, 0xfe, 0x00}), cache.PutOptions{})
	require.NoError(t, err)

	_, err = h.service.ReadText(ctx, entry.FilePath)
	require.ErrorIs(t, err, ErrBinaryContent)
	require.Equal(t, KindContent, Classify(err))
}

func TestClearEmptiesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	asset, err := h.service.Resolve(ctx, h.url("/avatar.png"))
	require.NoError(t, err)
	require.NoError(t, h.service.Clear(ctx))

	size, err := h.service.TotalSize(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
	require.NoFileExists(t, asset.LocalPath)

	_, err = h.service.Resolve(ctx, h.url("/avatar.png"))
	require.NoError(t, err)
	require.EqualValues(t, 2, h.hits.Load())
}

func TestCopyOutExportsCachedFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	asset, err := h.service.Resolve(ctx, h.url("/avatar.png"))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), asset.Filename)
	require.NoError(t, h.service.CopyOut(ctx, asset.LocalPath, dst))

	want, err := os.ReadFile(asset.LocalPath)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCopyOutNeverResolvedIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dst := filepath.Join(t.TempDir(), "x.png")

	err := h.service.CopyURL(ctx, h.url("/never.png"), dst)
	require.ErrorIs(t, err, cache.ErrNotFound)

	err = h.service.CopyOut(ctx, filepath.Join(h.store.Stats().Root, string(cache.KeyFor(h.url("/never.png")))+".png"), dst)
	require.ErrorIs(t, err, cache.ErrNotFound)
	require.NoFileExists(t, dst)
	require.Zero(t, h.hits.Load())
}

func TestCopyOutRequiresPaths(t *testing.T) {
	h := newHarness(t)
	err := h.service.CopyOut(context.Background(), "", "/tmp/x")
	require.Equal(t, KindInvalidInput, Classify(err))
}

func TestFetchBadge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content, err := h.service.FetchBadge(ctx, h.url("/badge"))
	require.NoError(t, err)
	require.Contains(t, content, "<svg")

	_, err = h.service.FetchBadge(ctx, h.url("/missing"))
	require.Equal(t, KindNetwork, Classify(err))
}

func TestPrefetchReportsFailuresWithoutAborting(t *testing.T) {
	h := newHarness(t)
	urls := []string{
		h.url("/avatar.png"),
		h.url("/missing.png"),
		h.url("/anim.json"),
		h.url("/avatar.png"),
		"not a url",
	}

	report := h.service.Prefetch(context.Background(), urls)
	require.Equal(t, 2, report.Resolved)
	require.Len(t, report.Failed, 2)

	kinds := map[Kind]int{}
	for _, failure := range report.Failed {
		kinds[Classify(failure.Err)]++
	}
	require.Equal(t, 1, kinds[KindNetwork])
	require.Equal(t, 1, kinds[KindInvalidInput])
	require.Equal(t, 2, h.store.Stats().Entries)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{err: &fetch.NetworkError{URL: "u", StatusCode: 500}, want: KindNetwork},
		{err: fmt.Errorf("wrapped: %w", &cache.StorageError{Op: "write", Err: errors.New("disk full")}), want: KindStorage},
		{err: cache.ErrNotFound, want: KindNotFound},
		{err: &fetch.BodyError{URL: "u", Err: errors.New("bad")}, want: KindContent},
		{err: context.Canceled, want: KindCanceled},
		{err: errors.New("boom"), want: KindOther},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}
