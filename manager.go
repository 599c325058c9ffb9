package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/singleflight"
)

// ErrCapability 当前瓦片格式不支持合成/滤镜
var ErrCapability = errors.New("image compositing unavailable")

// DefaultTileFormat 默认瓦片格式(MIME)
const DefaultTileFormat = "image/png"

// layerEntry 叠加图层与不透明度
type layerEntry struct {
	manager *TilesManager
	opacity float64
}

// TilesManagerConfig 瓦片管线参数
type TilesManagerConfig struct {
	Source      TileSource
	Cache       bool   // 使用磁盘缓存
	CacheRoot   string // 缓存根目录
	CacheScheme string // xyz | tms | wmts
	TileFormat  string // 显式瓦片格式(MIME), 可空
	TileSize    int
}

// TilesManager 单瓦片流水线: 缓存 -> 来源 -> 图层叠加 -> 滤镜 -> 回写
type TilesManager struct {
	source      TileSource
	cacheOn     bool
	cacheRoot   string
	cacheScheme string
	cache       Cache
	format      string // MIME
	tileSize    int
	layers      []layerEntry
	filters     []Filter
	group       singleflight.Group
	rendered    int64
}

// NewTilesManager 组装瓦片管线
func NewTilesManager(cfg TilesManagerConfig) *TilesManager {
	if cfg.TileSize == 0 {
		cfg.TileSize = TileSize
	}
	m := &TilesManager{
		source:      cfg.Source,
		cacheOn:     cfg.Cache,
		cacheRoot:   cfg.CacheRoot,
		cacheScheme: cfg.CacheScheme,
		tileSize:    cfg.TileSize,
	}
	m.format = resolveFormat(cfg.TileFormat, cfg.Source)
	m.rebuildCache()
	return m
}

// resolveFormat 格式优先级: 显式参数 > WMS 声明 > URL 扩展名 > 默认
func resolveFormat(explicit string, source TileSource) string {
	if explicit != "" {
		return explicit
	}
	if wms, ok := source.(*WMSReader); ok {
		if f := wms.Format(); f != "" {
			return f
		}
	}
	if dl, ok := source.(*TileDownloader); ok {
		if f := urlFormat(dl.tilesURL); f != "" {
			return f
		}
	}
	return DefaultTileFormat
}

// urlFormat 从 URL 扩展名猜测 MIME
func urlFormat(rawurl string) string {
	if i := strings.Index(rawurl, "?"); i >= 0 {
		rawurl = rawurl[:i]
	}
	ext := strings.TrimPrefix(path.Ext(rawurl), ".")
	if ext == "jpeg" {
		ext = JPG
	}
	return mimeTypes[ext]
}

// rebuildCache 按来源标识+图层/滤镜片段重建缓存目录
func (m *TilesManager) rebuildCache() {
	if !m.cacheOn {
		m.cache = DummyCache{}
		return
	}
	fragments := make([]string, 0, len(m.layers)+len(m.filters))
	for _, l := range m.layers {
		// 不透明度无损编码, 不同取值不共用缓存目录
		opacity := strconv.FormatFloat(l.opacity, 'f', -1, 64)
		fragments = append(fragments, l.manager.source.Basename()+opacity)
	}
	for _, f := range m.filters {
		fragments = append(fragments, f.Basename())
	}
	basename := CacheBasename(m.source.Basename(), fragments...)
	m.cache = NewDiskCache(m.cacheRoot, basename, m.cacheScheme, formatExt(m.format))
}

// Cache 当前缓存
func (m *TilesManager) Cache() Cache {
	return m.cache
}

// Format 解析后的瓦片格式(MIME)
func (m *TilesManager) Format() string {
	return m.format
}

// Rendered 本次运行实际获取(非缓存命中)的瓦片数
func (m *TilesManager) Rendered() int64 {
	return atomic.LoadInt64(&m.rendered)
}

// Metadata 透传来源自述信息
func (m *TilesManager) Metadata() map[string]string {
	return m.source.Metadata()
}

// blendable 只有能解码的格式才能叠加/滤镜
func (m *TilesManager) blendable() error {
	switch m.format {
	case mimeTypes[PNG], mimeTypes[JPG]:
		return nil
	}
	return fmt.Errorf("%w for format %s", ErrCapability, m.format)
}

// AddLayer 注册叠加图层, opacity 取值 [0,1]
func (m *TilesManager) AddLayer(layer *TilesManager, opacity float64) error {
	if opacity < 0 || opacity > 1 {
		return fmt.Errorf("%w: opacity %v not in [0,1]", ErrInvalidCoverage, opacity)
	}
	if err := m.blendable(); err != nil {
		return err
	}
	m.layers = append(m.layers, layerEntry{manager: layer, opacity: opacity})
	m.rebuildCache()
	return nil
}

// AddFilter 注册滤镜, 按注册顺序应用
func (m *TilesManager) AddFilter(f Filter) error {
	if err := m.blendable(); err != nil {
		return err
	}
	m.filters = append(m.filters, f)
	m.rebuildCache()
	return nil
}

// Tile 取瓦片内容, 同坐标并发请求只取一次
func (m *TilesManager) Tile(t maptile.Tile) ([]byte, error) {
	key := fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.tile(t)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (m *TilesManager) tile(t maptile.Tile) ([]byte, error) {
	// 命中即终态, 不再叠加滤镜
	if body, ok := m.cache.Read(t); ok {
		return body, nil
	}

	body, err := m.source.Tile(t)
	if err != nil {
		return nil, err
	}

	if len(m.layers) > 0 || len(m.filters) > 0 {
		img, err := decodeImage(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCapability, err)
		}
		base := toNRGBA(img)

		for _, entry := range m.layers {
			overlay, err := entry.manager.Tile(t)
			if err != nil {
				// 叠加层缺瓦片只降级, 不中断基础瓦片
				if errors.Is(err, ErrDownload) || errors.Is(err, ErrExtraction) {
					log.Warnf("Failed to fetch overlay tile %v: %s", t, err)
					continue
				}
				return nil, err
			}
			overlayImg, err := decodeImage(overlay)
			if err != nil {
				log.Warnf("Failed to decode overlay tile %v: %s", t, err)
				continue
			}
			pasteWithOpacity(base, toNRGBA(overlayImg), entry.opacity)
		}

		var out image.Image = base
		for _, f := range m.filters {
			out = f.Process(out)
		}
		body, err = encodeImage(out, m.format)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCapability, err)
		}
	}

	if err := m.cache.Save(body, t); err != nil {
		return nil, err
	}
	atomic.AddInt64(&m.rendered, 1)
	return body, nil
}

// pasteWithOpacity 以叠加层自身透明通道乘以 opacity 为蒙版粘贴
func pasteWithOpacity(base, overlay *image.NRGBA, opacity float64) {
	bounds := overlay.Bounds()
	mask := image.NewAlpha(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			a := overlay.NRGBAAt(x, y).A
			mask.SetAlpha(x, y, color.Alpha{A: clampByte(float64(a) * opacity)})
		}
	}
	draw.DrawMask(base, base.Bounds(), overlay, bounds.Min, mask, bounds.Min, draw.Over)
}

// decodeImage 解码瓦片字节
func decodeImage(body []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(body))
	return img, err
}

// encodeImage 按 MIME 编码
func encodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case mimeTypes[JPG]:
		if err := jpeg.Encode(&buf, img, nil); err != nil {
			return nil, err
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
