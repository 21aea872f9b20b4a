package covers

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adrien-f/covers/cache"
	"github.com/adrien-f/covers/ident"
	"github.com/adrien-f/covers/source"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeSource serves covers from a map and records every call.
type fakeSource struct {
	name      string
	supported []ident.Type
	covers    map[string][]byte
	err       error
	delay     time.Duration
	hook      func(ids []ident.Identifier)

	mu    sync.Mutex
	calls [][]ident.Identifier
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Lookup(ctx context.Context, ids []ident.Identifier) (*source.Image, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]ident.Identifier(nil), ids...))
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(ids)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}

	var chosen []ident.Identifier
	for _, id := range ids {
		if len(f.supported) == 0 || containsType(f.supported, id.Type()) {
			chosen = append(chosen, id)
		}
	}
	if len(chosen) == 0 {
		return nil, source.ErrUnsupportedIdentifier
	}
	for _, id := range chosen {
		if data, ok := f.covers[id.Key()]; ok {
			return source.NewImageBytes(id, source.Metadata{}, data), nil
		}
	}
	return nil, nil
}

func containsType(types []ident.Type, t ident.Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) lastCall() []ident.Identifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func newMemoryCache(t *testing.T) *cache.MemoryCache {
	t.Helper()
	c, err := cache.NewMemoryCache()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newService(t *testing.T, c cache.Cache, sources ...source.Source) *Service {
	t.Helper()
	s, err := New(WithCache(c), WithSources(sources...))
	require.NoError(t, err)
	return s
}

func decodeJPEG(t *testing.T, data []byte) image.Config {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg
}

func cached(t *testing.T, c cache.Cache, key string) ([]byte, bool) {
	t.Helper()
	data, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	return data, ok
}

func TestGetCoverImageRejectsInvalidDimensions(t *testing.T) {
	s := newService(t, newMemoryCache(t))
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-1, 5}} {
		_, _, err := s.GetCoverImage(context.Background(), []ident.Identifier{ident.ISBN("1")}, dims[0], dims[1])
		assert.ErrorIs(t, err, ErrInvalidDimensions)
	}
}

func TestGetCoverImageEmptyIdentifiers(t *testing.T) {
	src := &fakeSource{name: "fake"}
	s := newService(t, newMemoryCache(t), src)

	data, found, err := s.GetCoverImage(context.Background(), nil, 100, 100)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
	assert.Zero(t, src.callCount())
}

func TestFetchScaleAndCache(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.ISBN("1234")
	src := &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): testPNG(t, 100, 66)}}
	s := newService(t, c, src)

	data, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 100, 100)
	require.NoError(t, err)
	require.True(t, found)

	cfg := decodeJPEG(t, data)
	assert.LessOrEqual(t, cfg.Width, 100)
	assert.LessOrEqual(t, cfg.Height, 100)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 66, cfg.Height)

	original, ok := cached(t, c, OriginalKey(id))
	require.True(t, ok)
	assert.Equal(t, src.covers[id.Key()], original)

	scaled, ok := cached(t, c, ScaledKey(id, 100, 100))
	require.True(t, ok)
	assert.Equal(t, scaled, data, "returned bytes are the cached bytes")

	again, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 100, 100)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, data, again)
	assert.Equal(t, 1, src.callCount())
}

func TestNoContentIsRemembered(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.ISBN("0000000000")
	src := &fakeSource{name: "fake"}
	s := newService(t, c, src)

	for i := 0; i < 2; i++ {
		data, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 100, 100)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, data)
	}
	assert.Equal(t, 1, src.callCount())

	noContent, err := c.IsNoContent(ctx, OriginalKey(id))
	require.NoError(t, err)
	assert.True(t, noContent)
}

func TestNoContentMarksEveryCandidate(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	ids := []ident.Identifier{ident.ISBN("1"), ident.OCLC("2"), ident.UPC("3")}
	s := newService(t, c, &fakeSource{name: "fake"})

	_, found, err := s.GetCoverImage(ctx, ids, 64, 64)
	require.NoError(t, err)
	assert.False(t, found)

	for _, id := range ids {
		noContent, err := c.IsNoContent(ctx, OriginalKey(id))
		require.NoError(t, err)
		assert.True(t, noContent, id.String())
	}
}

func TestNewSizeReusesCachedOriginal(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.ISBN("1234")
	src := &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): testPNG(t, 100, 66)}}
	s := newService(t, c, src)

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 100, 100)
	require.NoError(t, err)
	require.True(t, found)

	data, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 50, 50)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, src.callCount())

	cfg := decodeJPEG(t, data)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 33, cfg.Height)

	scaled, ok := cached(t, c, ScaledKey(id, 50, 50))
	require.True(t, ok)
	assert.Equal(t, scaled, data)
	_, ok = cached(t, c, ScaledKey(id, 100, 100))
	assert.True(t, ok, "the first size stays cached")
}

// spyScaler records whether the original was handed over by path.
type spyScaler struct {
	thumbnail.Native
	files atomic.Int32
}

func (s *spyScaler) ScaleFile(ctx context.Context, path string, w, h int) (*thumbnail.Thumbnail, error) {
	s.files.Add(1)
	return s.Native.ScaleFile(ctx, path, w, h)
}

func TestCachedOriginalIsScaledFromFile(t *testing.T) {
	ctx := context.Background()
	c := cache.NewFilesystemCache(t.TempDir())
	id := ident.UPC("0123")
	src := &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): testPNG(t, 60, 90)}}
	spy := &spyScaler{Native: *thumbnail.NewNative()}

	s, err := New(WithCache(c), WithSources(src), WithThumbnailer(spy))
	require.NoError(t, err)

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 90, 90)
	require.NoError(t, err)
	require.True(t, found)
	assert.Zero(t, spy.files.Load(), "fresh covers are scaled from memory")

	data, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 30, 30)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int32(1), spy.files.Load())
	assert.Equal(t, 20, decodeJPEG(t, data).Width)
}

func TestSourcesAreTriedInOrder(t *testing.T) {
	ctx := context.Background()
	id := ident.OCLC("42")
	unsupported := &fakeSource{name: "music", supported: []ident.Type{ident.MBIDType}}
	failing := &fakeSource{name: "broken", err: errors.New("connection reset")}
	empty := &fakeSource{name: "empty"}
	good := &fakeSource{name: "good", covers: map[string][]byte{id.Key(): testPNG(t, 20, 20)}}
	never := &fakeSource{name: "never", covers: map[string][]byte{id.Key(): testPNG(t, 20, 20)}}

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	s, err := New(WithCache(newMemoryCache(t)), WithSources(unsupported, failing, empty, good, never), WithMetrics(metrics))
	require.NoError(t, err)
	assert.Equal(t, []string{"music", "broken", "empty", "good", "never"}, s.Sources())

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	require.NoError(t, err, "source failures are never returned")
	require.True(t, found)

	assert.Equal(t, 1, unsupported.callCount())
	assert.Equal(t, 1, failing.callCount())
	assert.Equal(t, 1, empty.callCount())
	assert.Equal(t, 1, good.callCount())
	assert.Zero(t, never.callCount())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sourceLookups.WithLabelValues("music", "unsupported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sourceLookups.WithLabelValues("broken", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sourceLookups.WithLabelValues("empty", "absent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sourceLookups.WithLabelValues("good", "found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("miss")))
}

func TestFailingSourcesStillMarkNoContent(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.ISBN("1")
	s := newService(t, c, &fakeSource{name: "broken", err: errors.New("timeout")})

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	require.NoError(t, err)
	assert.False(t, found)

	noContent, err := c.IsNoContent(ctx, OriginalKey(id))
	require.NoError(t, err)
	assert.True(t, noContent)
}

func TestCoverIsStoredUnderChosenIdentifier(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	isbn, oclc := ident.ISBN("1"), ident.OCLC("2")
	src := &fakeSource{name: "fake", supported: []ident.Type{ident.OCLCType}, covers: map[string][]byte{oclc.Key(): testPNG(t, 10, 10)}}
	s := newService(t, c, src)

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{isbn, oclc}, 10, 10)
	require.NoError(t, err)
	require.True(t, found)

	_, ok := cached(t, c, OriginalKey(oclc))
	assert.True(t, ok)
	_, ok = cached(t, c, OriginalKey(isbn))
	assert.False(t, ok)

	// the next request finds the OCLC copy without asking the source
	_, found, err = s.GetCoverImage(ctx, []ident.Identifier{isbn, oclc}, 10, 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, src.callCount())
}

func TestPrunedIdentifiersAreNotOffered(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	isbn, oclc, lccn := ident.ISBN("1"), ident.OCLC("2"), ident.LCCN("3")
	require.NoError(t, c.MarkNoContent(ctx, OriginalKey(isbn)))

	src := &fakeSource{name: "fake"}
	s := newService(t, c, src)

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{isbn, oclc, lccn}, 10, 10)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []ident.Identifier{oclc, lccn}, src.lastCall(), "survivors are offered together, in input order")
}

func TestAllPrunedSkipsSources(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	ids := []ident.Identifier{ident.ISBN("1"), ident.OCLC("2")}
	for _, id := range ids {
		require.NoError(t, c.MarkNoContent(ctx, OriginalKey(id)))
	}
	src := &fakeSource{name: "fake"}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	s, err := New(WithCache(c), WithSources(src), WithMetrics(metrics))
	require.NoError(t, err)

	_, found, err := s.GetCoverImage(ctx, ids, 10, 10)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, src.callCount())

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("nocontent")))
	assert.Zero(t, testutil.ToFloat64(metrics.cacheLookups.WithLabelValues("miss")), "pruned requests are not misses")
}

func TestScalingFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.ISBN("1")
	s := newService(t, c, &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): []byte("not an image")}})

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	assert.False(t, found)
	var scalingErr *ScalingError
	require.ErrorAs(t, err, &scalingErr)
	assert.Equal(t, id, scalingErr.ID)

	_, ok := cached(t, c, OriginalKey(id))
	assert.False(t, ok)
	_, ok = cached(t, c, ScaledKey(id, 10, 10))
	assert.False(t, ok)
	noContent, err := c.IsNoContent(ctx, OriginalKey(id))
	require.NoError(t, err)
	assert.False(t, noContent)
	assert.Zero(t, s.locks.size())
}

func TestHugeBoxIsAScalingError(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.ISBN("1")
	s := newService(t, c, &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): testPNG(t, 100, 66)}})

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, math.MaxInt32, math.MaxInt32)
	assert.False(t, found)
	var scalingErr *ScalingError
	require.ErrorAs(t, err, &scalingErr)
	assert.ErrorIs(t, err, thumbnail.ErrBoxTooLarge)
	_, ok := cached(t, c, OriginalKey(id))
	assert.False(t, ok)
	assert.Zero(t, s.locks.size())

	// Same answer when the original is already cached.
	_, found, err = s.GetCoverImage(ctx, []ident.Identifier{id}, 100, 100)
	require.NoError(t, err)
	require.True(t, found)
	_, _, err = s.GetCoverImage(ctx, []ident.Identifier{id}, thumbnail.MaxDimension+1, 100)
	assert.ErrorIs(t, err, thumbnail.ErrBoxTooLarge)
}

// hugeGIF is a GIF header announcing a 65535x65535 canvas.
var hugeGIF = []byte{'G', 'I', 'F', '8', '9', 'a', 0xff, 0xff, 0xff, 0xff, 0, 0, 0}

func TestOversizedOriginalIsAScalingError(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.ISBN("1")
	s := newService(t, c, &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): hugeGIF}})

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 100, 100)
	assert.False(t, found)
	var scalingErr *ScalingError
	require.ErrorAs(t, err, &scalingErr)
	assert.ErrorIs(t, err, thumbnail.ErrImageTooLarge)
	_, ok := cached(t, c, OriginalKey(id))
	assert.False(t, ok)
}

// faultyCache fails selected operations.
type faultyCache struct {
	cache.Cache
	failStore       func(key string) bool
	failIsNoContent bool
}

var errDiskFull = errors.New("disk full")

func (f *faultyCache) Store(ctx context.Context, key string, data []byte) error {
	if f.failStore != nil && f.failStore(key) {
		return errDiskFull
	}
	return f.Cache.Store(ctx, key, data)
}

func (f *faultyCache) IsNoContent(ctx context.Context, key string) (bool, error) {
	if f.failIsNoContent {
		return false, errDiskFull
	}
	return f.Cache.IsNoContent(ctx, key)
}

func TestScaledStoreFailureRemovesOriginal(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryCache(t)
	c := &faultyCache{Cache: mem, failStore: func(key string) bool { return !strings.HasSuffix(key, "/original") }}
	id := ident.ISBN("1")
	s := newService(t, c, &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): testPNG(t, 10, 10)}})

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	assert.False(t, found)
	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "store", cacheErr.Op)
	assert.Equal(t, ScaledKey(id, 10, 10), cacheErr.Key)
	assert.ErrorIs(t, err, errDiskFull)

	_, ok := cached(t, mem, OriginalKey(id))
	assert.False(t, ok, "original and scaled entries are written together or not at all")
}

func TestCacheFailureIsReturned(t *testing.T) {
	src := &fakeSource{name: "fake"}
	s := newService(t, &faultyCache{Cache: newMemoryCache(t), failIsNoContent: true}, src)

	_, _, err := s.GetCoverImage(context.Background(), []ident.Identifier{ident.ISBN("1")}, 10, 10)
	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "check", cacheErr.Op)
	assert.Zero(t, src.callCount())
	assert.Zero(t, s.locks.size())
}

func TestWithoutCache(t *testing.T) {
	ctx := context.Background()
	id := ident.ISBN("1")
	src := &fakeSource{name: "fake", covers: map[string][]byte{id.Key(): testPNG(t, 40, 20)}}
	s := newService(t, nil, src)
	assert.Nil(t, s.Cache())

	for i := 0; i < 2; i++ {
		data, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 20, 20)
		require.NoError(t, err)
		require.True(t, found)
		cfg := decodeJPEG(t, data)
		assert.Equal(t, 20, cfg.Width)
		assert.Equal(t, 10, cfg.Height)
	}
	assert.Equal(t, 2, src.callCount())

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{ident.ISBN("missing")}, 20, 20)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, s.Forget(ctx, id))
	require.NoError(t, s.Close())
}

func TestConcurrentIdenticalRequestsFetchOnce(t *testing.T) {
	id := ident.ISBN("1234")
	src := &fakeSource{name: "fake", delay: 20 * time.Millisecond, covers: map[string][]byte{id.Key(): testPNG(t, 100, 66)}}
	s := newService(t, newMemoryCache(t), src)

	const callers = 8
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, found, err := s.GetCoverImage(context.Background(), []ident.Identifier{id}, 100, 100)
			assert.NoError(t, err)
			assert.True(t, found)
			results[i] = data
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, src.callCount())
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestConcurrentMissingRequestsFetchOnce(t *testing.T) {
	src := &fakeSource{name: "fake", delay: 10 * time.Millisecond}
	s := newService(t, newMemoryCache(t), src)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found, err := s.GetCoverImage(context.Background(), []ident.Identifier{ident.UPC("1"), ident.ISBN("2")}, 50, 50)
			assert.NoError(t, err)
			assert.False(t, found)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, src.callCount())
}

func TestDisjointRequestsOverlap(t *testing.T) {
	a, b := ident.ISBN("1"), ident.ISBN("2")

	// Each lookup waits until both are in flight. If the service serialized
	// the two requests, the first lookup would time out alone.
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	var overlapped atomic.Int32
	src := &fakeSource{
		name:   "fake",
		covers: map[string][]byte{a.Key(): testPNG(t, 10, 10), b.Key(): testPNG(t, 10, 10)},
		hook: func([]ident.Identifier) {
			arrived.Done()
			select {
			case <-both:
				overlapped.Add(1)
			case <-time.After(2 * time.Second):
			}
		},
	}
	s := newService(t, newMemoryCache(t), src)

	var wg sync.WaitGroup
	for _, id := range []ident.Identifier{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found, err := s.GetCoverImage(context.Background(), []ident.Identifier{id}, 10, 10)
			assert.NoError(t, err)
			assert.True(t, found)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), overlapped.Load())
}

func TestRequestsSharingOneIdentifierSerialize(t *testing.T) {
	shared := ident.OCLC("7")
	var inFlight, maxInFlight atomic.Int32
	src := &fakeSource{
		name: "fake",
		hook: func([]ident.Identifier) {
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
		},
	}
	s := newService(t, nil, src)

	var wg sync.WaitGroup
	for _, ids := range [][]ident.Identifier{{ident.ISBN("1"), shared}, {shared, ident.ISBN("2")}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.GetCoverImage(context.Background(), ids, 10, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

type panickingSource struct{}

func (panickingSource) Name() string { return "panic" }
func (panickingSource) Lookup(context.Context, []ident.Identifier) (*source.Image, error) {
	panic("boom")
}

func TestLockIsReleasedOnPanic(t *testing.T) {
	s := newService(t, newMemoryCache(t), panickingSource{})
	ids := []ident.Identifier{ident.ISBN("1")}

	assert.Panics(t, func() {
		s.GetCoverImage(context.Background(), ids, 10, 10)
	})
	assert.Zero(t, s.locks.size())
}

func TestCancelledContextDoesNotReachSources(t *testing.T) {
	id := ident.ISBN("1")
	var sawCancel atomic.Bool
	src := &fakeSource{
		name:   "fake",
		covers: map[string][]byte{id.Key(): testPNG(t, 10, 10)},
	}
	wrapped := sourceFunc{name: "ctx", fn: func(ctx context.Context, ids []ident.Identifier) (*source.Image, error) {
		sawCancel.Store(ctx.Err() != nil)
		return src.Lookup(ctx, ids)
	}}
	s := newService(t, newMemoryCache(t), wrapped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, sawCancel.Load())
}

type sourceFunc struct {
	name string
	fn   func(ctx context.Context, ids []ident.Identifier) (*source.Image, error)
}

func (s sourceFunc) Name() string { return s.name }
func (s sourceFunc) Lookup(ctx context.Context, ids []ident.Identifier) (*source.Image, error) {
	return s.fn(ctx, ids)
}

func TestUnreadableImageIsASourceFailure(t *testing.T) {
	id := ident.ISBN("1")
	broken := sourceFunc{name: "broken", fn: func(_ context.Context, ids []ident.Identifier) (*source.Image, error) {
		return source.NewImage(ids[0], source.Metadata{}, func(context.Context) (io.ReadCloser, error) {
			return nil, errors.New("gone")
		}), nil
	}}
	good := &fakeSource{name: "good", covers: map[string][]byte{id.Key(): testPNG(t, 10, 10)}}
	s := newService(t, newMemoryCache(t), broken, good)

	_, found, err := s.GetCoverImage(context.Background(), []ident.Identifier{id}, 10, 10)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, good.callCount())
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)
	id := ident.UPC("1")
	src := &fakeSource{name: "fake", covers: map[string][]byte{}}
	s := newService(t, c, src)

	_, found, err := s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	require.NoError(t, err)
	require.False(t, found)

	src.covers[id.Key()] = testPNG(t, 10, 10)
	_, found, err = s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	require.NoError(t, err)
	require.False(t, found, "still remembered as missing")

	require.NoError(t, s.Forget(ctx, id))
	_, found, err = s.GetCoverImage(ctx, []ident.Identifier{id}, 10, 10)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, src.callCount())
}

func TestAddSourceWhileServing(t *testing.T) {
	s := newService(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.AddSource(&fakeSource{name: "late"})
		}()
		go func() {
			defer wg.Done()
			_, _, err := s.GetCoverImage(context.Background(), []ident.Identifier{ident.ISBN("1")}, 10, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, s.Sources(), 4)
}

func TestKeys(t *testing.T) {
	id := ident.ISBN("1234")
	assert.Equal(t, "ISBN/1234/original", OriginalKey(id))
	assert.Equal(t, "ISBN/1234/100x66", ScaledKey(id, 100, 66))
	assert.Equal(t, "ARTIST_ALBUM/Cher/Believe/original", OriginalKey(ident.Album("Cher", "Believe")))
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	s, err := New()
	require.NoError(t, err)
	assert.IsType(t, &cache.FilesystemCache{}, s.Cache())
	assert.IsType(t, &thumbnail.Native{}, s.thumbnailer)
	assert.Empty(t, s.Sources())
}

func TestNewMetricsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}
