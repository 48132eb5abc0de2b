package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anixart-desktop/mediahost/internal/cache"
)

// upstream 是带计数与闸门的测试上游，gate 非空时每个请求都阻塞到 gate 关闭。
type upstream struct {
	server *httptest.Server
	hits   atomic.Int64
	gate   chan struct{}
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if u.gate != nil {
			<-u.gate
		}
		handler(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) url(path string) string {
	return u.server.URL + path
}

func servePNG(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write([]byte("\x89PNG\r\n\x1a\navatar"))
}

func newCoordinator(t *testing.T, store cache.Store, opts Options) *Coordinator {
	t.Helper()
	if store == nil {
		var err error
		store, err = cache.NewStore(t.TempDir(), nil)
		require.NoError(t, err)
	}
	return New(&http.Client{Timeout: 5 * time.Second}, store, opts)
}

func TestResolveDownloadsOnceThenHits(t *testing.T) {
	up := newUpstream(t, servePNG)
	coord := newCoordinator(t, nil, Options{})
	ctx := context.Background()

	first, err := coord.Resolve(ctx, up.url("/avatar.png"))
	require.NoError(t, err)
	require.False(t, first.Hit)
	require.Equal(t, "image/png", first.Entry.ContentType)
	require.True(t, strings.HasSuffix(first.Entry.FilePath, ".png"))

	second, err := coord.Resolve(ctx, up.url("/avatar.png"))
	require.NoError(t, err)
	require.True(t, second.Hit)
	require.Equal(t, first.Entry.FilePath, second.Entry.FilePath)
	require.EqualValues(t, 1, up.hits.Load())

	size, err := coord.store.TotalSize(ctx)
	require.NoError(t, err)
	require.Positive(t, size)
}

func TestResolveCoalescesConcurrentCallers(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"v":"5.7.4","layers":[]}`)
	})
	up.gate = make(chan struct{})
	coord := newCoordinator(t, nil, Options{})
	rawURL := up.url("/a.json")

	const callers = 8
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Resolve(context.Background(), rawURL)
		}(i)
	}

	key := cache.KeyFor(rawURL)
	require.Eventually(t, func() bool { return coord.waiters(key) == callers }, 2*time.Second, 5*time.Millisecond)
	close(up.gate)
	wg.Wait()

	require.EqualValues(t, 1, up.hits.Load())
	joined := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Entry.FilePath, results[i].Entry.FilePath)
		if results[i].Joined {
			joined++
		}
	}
	require.Equal(t, callers-1, joined)
	require.Zero(t, coord.InFlight())
}

func TestResolveSharesFailureAndDoesNotCacheIt(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusServiceUnavailable)
			return
		}
		servePNG(w, r)
	})
	up.gate = make(chan struct{})
	coord := newCoordinator(t, nil, Options{})
	rawURL := up.url("/flaky.png")

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Resolve(context.Background(), rawURL)
		}(i)
	}
	require.Eventually(t, func() bool { return coord.waiters(cache.KeyFor(rawURL)) == callers }, 2*time.Second, 5*time.Millisecond)
	close(up.gate)
	wg.Wait()

	require.EqualValues(t, 1, up.hits.Load())
	for _, err := range errs {
		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		require.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
		require.Same(t, errs[0], err)
	}

	fail.Store(false)
	result, err := coord.Resolve(context.Background(), rawURL)
	require.NoError(t, err)
	require.False(t, result.Hit)
	require.EqualValues(t, 2, up.hits.Load())
}

func TestResolveUnreachableHostIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(servePNG))
	rawURL := srv.URL + "/gone.png"
	srv.Close()

	coord := newCoordinator(t, nil, Options{})
	_, err := coord.Resolve(context.Background(), rawURL)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Zero(t, netErr.StatusCode)
	var storageErr *cache.StorageError
	require.False(t, errors.As(err, &storageErr))
}

// failingStore 让所有写入失败，用于模拟磁盘错误。
type failingStore struct {
	cache.Store
}

func (failingStore) Put(context.Context, cache.Key, io.Reader, cache.PutOptions) (*cache.Entry, error) {
	return nil, &cache.StorageError{Op: "write", Path: "/full", Err: errors.New("no space left on device")}
}

func TestResolveDiskFailureIsStorageError(t *testing.T) {
	up := newUpstream(t, servePNG)
	inner, err := cache.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	coord := newCoordinator(t, failingStore{Store: inner}, Options{})

	_, err = coord.Resolve(context.Background(), up.url("/avatar.png"))
	var storageErr *cache.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.False(t, IsNetwork(err))
}

func TestResolveRealDiskFailureIsStorageError(t *testing.T) {
	up := newUpstream(t, servePNG)
	root := t.TempDir()
	store, err := cache.NewStore(root, nil)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(root))
	require.NoError(t, os.WriteFile(root, []byte("blocker"), 0o644))

	coord := newCoordinator(t, store, Options{})
	_, err = coord.Resolve(context.Background(), up.url("/avatar.png"))
	var storageErr *cache.StorageError
	require.ErrorAs(t, err, &storageErr)
}

func TestResolveAfterClearFetchesAgain(t *testing.T) {
	up := newUpstream(t, servePNG)
	coord := newCoordinator(t, nil, Options{})
	ctx := context.Background()
	rawURL := up.url("/avatar.png")

	first, err := coord.Resolve(ctx, rawURL)
	require.NoError(t, err)
	require.NoError(t, coord.store.Clear(ctx))

	_, statErr := os.Stat(first.Entry.FilePath)
	require.True(t, os.IsNotExist(statErr))

	second, err := coord.Resolve(ctx, rawURL)
	require.NoError(t, err)
	require.False(t, second.Hit)
	require.EqualValues(t, 2, up.hits.Load())
}

func TestResolveCallerCancelDoesNotAbortDownload(t *testing.T) {
	up := newUpstream(t, servePNG)
	up.gate = make(chan struct{})
	coord := newCoordinator(t, nil, Options{})
	rawURL := up.url("/slow.png")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.Resolve(ctx, rawURL)
		done <- err
	}()
	require.Eventually(t, func() bool { return coord.waiters(cache.KeyFor(rawURL)) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 1, coord.InFlight())

	close(up.gate)
	require.Eventually(t, func() bool { return coord.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)

	result, err := coord.Resolve(context.Background(), rawURL)
	require.NoError(t, err)
	require.True(t, result.Hit)
	require.EqualValues(t, 1, up.hits.Load())
}

func TestResolveRejectsOversizedBody(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	})
	coord := newCoordinator(t, nil, Options{MaxAssetSize: 16})

	_, err := coord.Resolve(context.Background(), up.url("/big.bin"))
	require.ErrorIs(t, err, ErrTooLarge)
	require.True(t, IsNetwork(err))
	require.Zero(t, coord.store.Stats().Entries)
}

func TestResolveRejectsEmptyBody(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	coord := newCoordinator(t, nil, Options{})

	_, err := coord.Resolve(context.Background(), up.url("/empty.png"))
	require.ErrorIs(t, err, ErrEmptyBody)
	require.True(t, IsNetwork(err))
}

func TestResolveSendsUserAgent(t *testing.T) {
	var agent atomic.Value
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		servePNG(w, r)
	})
	coord := newCoordinator(t, nil, Options{UserAgent: "mediahost-test/1.0"})

	_, err := coord.Resolve(context.Background(), up.url("/ua.png"))
	require.NoError(t, err)
	require.Equal(t, "mediahost-test/1.0", agent.Load())
}

func TestFetchText(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/badge.json":
			_, _ = io.WriteString(w, `{"name":"veteran"}`)
		case "/binary":
			_, _ = w.Write([]byte{0xff, 0xfe, 0xfd})
		case "/chunked":
			// 先 Flush 使响应走 chunked 编码，不带 Content-Length。
			_, _ = io.WriteString(w, "veteran")
			w.(http.Flusher).Flush()
			_, _ = io.WriteString(w, "-badge")
		default:
			http.NotFound(w, r)
		}
	})
	coord := newCoordinator(t, nil, Options{})
	ctx := context.Background()

	content, err := coord.FetchText(ctx, up.url("/badge.json"))
	require.NoError(t, err)
	require.Equal(t, `{"name":"veteran"}`, content)
	require.Zero(t, coord.store.Stats().Entries, "badge text is never cached")

	_, err = coord.FetchText(ctx, up.url("/missing"))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusNotFound, netErr.StatusCode)

	content, err = coord.FetchText(ctx, up.url("/binary"))
	require.NoError(t, err, "invalid UTF-8 is decoded lossily")
	require.Equal(t, "\uFFFD", content)

	small := newCoordinator(t, nil, Options{MaxAssetSize: 4})
	_, err = small.FetchText(ctx, up.url("/chunked"))
	var bodyErr *BodyError
	require.ErrorAs(t, err, &bodyErr)
	require.ErrorIs(t, err, ErrTooLarge)
	require.False(t, IsNetwork(err))
}
