package main

import (
	"fmt"
	"image/color"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource 测试用瓦片源, 记录取瓦片次数
type fakeSource struct {
	name  string
	meta  map[string]string
	calls int32
	body  func(t maptile.Tile) ([]byte, error)
}

func (s *fakeSource) Tile(t maptile.Tile) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.body(t)
}

func (s *fakeSource) Basename() string {
	return s.name
}

func (s *fakeSource) Metadata() map[string]string {
	if s.meta == nil {
		return map[string]string{}
	}
	return s.meta
}

func (s *fakeSource) Calls() int32 {
	return atomic.LoadInt32(&s.calls)
}

func solidSource(t *testing.T, name string, c color.NRGBA) *fakeSource {
	body := pngBytes(t, c)
	return &fakeSource{
		name: name,
		body: func(maptile.Tile) ([]byte, error) { return body, nil },
	}
}

func TestManagerCacheHit(t *testing.T) {
	source := solidSource(t, "base", color.NRGBA{R: 255, A: 255})
	m := NewTilesManager(TilesManagerConfig{
		Source:      source,
		Cache:       true,
		CacheRoot:   t.TempDir(),
		CacheScheme: SchemeXYZ,
	})

	tile := maptile.New(0, 0, 0)
	first, err := m.Tile(tile)
	require.NoError(t, err)
	second, err := m.Tile(tile)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), source.Calls())
	assert.Equal(t, int64(1), m.Rendered())
}

func TestManagerNoCache(t *testing.T) {
	root := t.TempDir()
	source := solidSource(t, "base", color.NRGBA{R: 255, A: 255})
	m := NewTilesManager(TilesManagerConfig{Source: source, CacheRoot: root})

	tile := maptile.New(0, 0, 0)
	_, err := m.Tile(tile)
	require.NoError(t, err)
	_, err = m.Tile(tile)
	require.NoError(t, err)

	assert.Equal(t, int32(2), source.Calls())
	// 缓存关闭时不落任何文件
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManagerSingleflight(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	body := pngBytes(t, color.NRGBA{R: 255, A: 255})
	source := &fakeSource{
		name: "slow",
		body: func(maptile.Tile) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return body, nil
		},
	}
	m := NewTilesManager(TilesManagerConfig{Source: source})

	tile := maptile.New(0, 0, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Tile(tile)
			assert.NoError(t, err)
		}()
	}
	// 留出并发请求合流的时间窗
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(8))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestManagerFormatResolution(t *testing.T) {
	source := solidSource(t, "base", color.NRGBA{A: 255})

	explicit := NewTilesManager(TilesManagerConfig{Source: source, TileFormat: "image/jpeg"})
	assert.Equal(t, "image/jpeg", explicit.Format())

	wms := NewWMSReader("http://example.com/wms", []string{"l"}, nil,
		map[string]string{"format": "image/jpeg"})
	fromWMS := NewTilesManager(TilesManagerConfig{Source: wms})
	assert.Equal(t, "image/jpeg", fromWMS.Format())

	dl := NewTileDownloader("http://example.com/{z}/{x}/{y}.jpg", nil, nil)
	fromURL := NewTilesManager(TilesManagerConfig{Source: dl})
	assert.Equal(t, "image/jpeg", fromURL.Format())

	dlQuery := NewTileDownloader("http://example.com/{z}/{x}/{y}.png?key=abc", nil, nil)
	fromURLQuery := NewTilesManager(TilesManagerConfig{Source: dlQuery})
	assert.Equal(t, "image/png", fromURLQuery.Format())

	fallback := NewTilesManager(TilesManagerConfig{Source: source})
	assert.Equal(t, DefaultTileFormat, fallback.Format())
}

func TestManagerAddLayerValidation(t *testing.T) {
	base := NewTilesManager(TilesManagerConfig{Source: solidSource(t, "base", color.NRGBA{A: 255})})
	overlay := NewTilesManager(TilesManagerConfig{Source: solidSource(t, "over", color.NRGBA{A: 255})})

	assert.Error(t, base.AddLayer(overlay, -0.1))
	assert.Error(t, base.AddLayer(overlay, 1.5))
	assert.NoError(t, base.AddLayer(overlay, 0.5))
}

func TestManagerCapability(t *testing.T) {
	m := NewTilesManager(TilesManagerConfig{
		Source:     solidSource(t, "vector", color.NRGBA{A: 255}),
		TileFormat: "application/x-protobuf",
	})
	overlay := NewTilesManager(TilesManagerConfig{Source: solidSource(t, "over", color.NRGBA{A: 255})})

	assert.ErrorIs(t, m.AddLayer(overlay, 0.5), ErrCapability)
	assert.ErrorIs(t, m.AddFilter(GrayScale{}), ErrCapability)
}

func TestManagerBlendsLayers(t *testing.T) {
	base := NewTilesManager(TilesManagerConfig{
		Source: solidSource(t, "base", color.NRGBA{R: 255, A: 255}),
	})
	overlay := NewTilesManager(TilesManagerConfig{
		Source: solidSource(t, "over", color.NRGBA{B: 255, A: 255}),
	})
	require.NoError(t, base.AddLayer(overlay, 0.5))

	body, err := base.Tile(maptile.New(0, 0, 0))
	require.NoError(t, err)

	img, err := decodeImage(body)
	require.NoError(t, err)
	p := toNRGBA(img).NRGBAAt(10, 10)
	// 半透明蓝叠在红上, 两个通道都有份量
	assert.Greater(t, p.R, uint8(0))
	assert.Greater(t, p.B, uint8(0))
	assert.Less(t, p.R, uint8(255))
}

func TestManagerOverlayDegradation(t *testing.T) {
	base := NewTilesManager(TilesManagerConfig{
		Source: solidSource(t, "base", color.NRGBA{R: 255, A: 255}),
	})
	broken := NewTilesManager(TilesManagerConfig{
		Source: &fakeSource{
			name: "broken",
			body: func(t maptile.Tile) ([]byte, error) {
				return nil, fmt.Errorf("%w: gone", ErrDownload)
			},
		},
	})
	require.NoError(t, base.AddLayer(broken, 0.5))

	// 叠加层失败只降级, 基础瓦片照常返回
	body, err := base.Tile(maptile.New(0, 0, 0))
	require.NoError(t, err)
	img, err := decodeImage(body)
	require.NoError(t, err)
	p := toNRGBA(img).NRGBAAt(10, 10)
	assert.Equal(t, uint8(255), p.R)
}

func TestManagerFilters(t *testing.T) {
	m := NewTilesManager(TilesManagerConfig{
		Source: solidSource(t, "base", color.NRGBA{R: 200, G: 100, B: 50, A: 255}),
	})
	require.NoError(t, m.AddFilter(GrayScale{}))

	body, err := m.Tile(maptile.New(0, 0, 0))
	require.NoError(t, err)
	img, err := decodeImage(body)
	require.NoError(t, err)
	p := toNRGBA(img).NRGBAAt(10, 10)
	assert.Equal(t, p.R, p.G)
	assert.Equal(t, p.G, p.B)
}

func TestManagerCacheNamespace(t *testing.T) {
	root := t.TempDir()
	newManager := func() *TilesManager {
		return NewTilesManager(TilesManagerConfig{
			Source:      solidSource(t, "base", color.NRGBA{A: 255}),
			Cache:       true,
			CacheRoot:   root,
			CacheScheme: SchemeXYZ,
		})
	}

	plain := newManager()
	filtered := newManager()
	require.NoError(t, filtered.AddFilter(GrayScale{}))
	// 滤镜参与缓存目录命名, 互不串缓存
	assert.NotEqual(t, plain.Cache().Folder(), filtered.Cache().Folder())

	same := newManager()
	assert.Equal(t, plain.Cache().Folder(), same.Cache().Folder())
}

func TestManagerCacheNamespaceByOpacity(t *testing.T) {
	root := t.TempDir()
	withOpacity := func(opacity float64) *TilesManager {
		m := NewTilesManager(TilesManagerConfig{
			Source:      solidSource(t, "base", color.NRGBA{A: 255}),
			Cache:       true,
			CacheRoot:   root,
			CacheScheme: SchemeXYZ,
		})
		overlay := NewTilesManager(TilesManagerConfig{
			Source: solidSource(t, "over", color.NRGBA{B: 255, A: 255}),
		})
		require.NoError(t, m.AddLayer(overlay, opacity))
		return m
	}

	// 相近但不同的不透明度产出不同瓦片, 缓存目录不能撞车
	low := withOpacity(0.08)
	high := withOpacity(0.12)
	assert.NotEqual(t, low.Cache().Folder(), high.Cache().Folder())

	assert.Equal(t, withOpacity(0.08).Cache().Folder(), low.Cache().Folder())
}
