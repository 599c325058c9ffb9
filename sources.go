package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
)

// ErrDownload 远程下载在重试耗尽后失败
var ErrDownload = errors.New("download failed")

// ErrExtraction 瓦片提取失败(库内缺失/WMS响应非法)
var ErrExtraction = errors.New("extraction failed")

// TileSource 瓦片来源统一接口
type TileSource interface {
	// Tile 取指定瓦片内容(XYZ)
	Tile(t maptile.Tile) ([]byte, error)
	// Basename 来源的稳定标识, 用于缓存目录
	Basename() string
	// Metadata 来源自述属性(范围/级别/格式), 没有则为空
	Metadata() map[string]string
}

// DefaultSubdomains 默认子域轮转表
var DefaultSubdomains = []string{"a", "b", "c"}

var placeholderRe = regexp.MustCompile(`\{[^{}]*\}`)

// urlBasename 去掉协议头后的地址, 作为来源标识
func urlBasename(rawurl string) string {
	if i := strings.Index(rawurl, "://"); i >= 0 {
		return rawurl[i+3:]
	}
	return rawurl
}

// TileDownloader 远程瓦片下载源
type TileDownloader struct {
	tilesURL   string
	subdomains []string
	headers    map[string]string
	tileSize   int
	retries    int
	client     *http.Client
}

// NewTileDownloader 创建下载源, url 模板支持 {z} {x} {y} {s} {size}
func NewTileDownloader(tilesURL string, subdomains []string, headers map[string]string) *TileDownloader {
	if len(subdomains) == 0 {
		subdomains = DefaultSubdomains
	}
	return &TileDownloader{
		tilesURL:   tilesURL,
		subdomains: subdomains,
		headers:    headers,
		tileSize:   TileSize,
		retries:    DownloadRetries,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Basename 主机+路径标识
func (d *TileDownloader) Basename() string {
	return urlBasename(d.tilesURL)
}

// Metadata 下载源无自述信息
func (d *TileDownloader) Metadata() map[string]string {
	return map[string]string{}
}

// URL 展开模板, 残留未知占位符时报硬错误
func (d *TileDownloader) URL(t maptile.Tile) (string, error) {
	s := d.subdomains[(t.X+t.Y)%uint32(len(d.subdomains))]
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(int(t.Z)),
		"{x}", strconv.FormatUint(uint64(t.X), 10),
		"{y}", strconv.FormatUint(uint64(t.Y), 10),
		"{s}", s,
		"{size}", strconv.Itoa(d.tileSize),
	)
	u := r.Replace(d.tilesURL)
	if kw := placeholderRe.FindString(u); kw != "" {
		return "", fmt.Errorf("%w: unknown keyword %s in URL", ErrDownload, kw)
	}
	return u, nil
}

// Tile 下载瓦片, 传输失败立即重试至耗尽预算
func (d *TileDownloader) Tile(t maptile.Tile) ([]byte, error) {
	u, err := d.URL(t)
	if err != nil {
		return nil, err
	}
	log.Debugf("Retrieve tile at %s", u)
	var lastErr error
	for r := d.retries; r > 0; r-- {
		body, err := d.fetch(u)
		if err == nil {
			return body, nil
		}
		lastErr = err
		log.Debugf("Download error, retry (%d left). (%s)", r-1, err)
	}
	return nil, fmt.Errorf("%w: cannot download URL %s: %v", ErrDownload, u, lastErr)
}

func (d *TileDownloader) fetch(u string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for header, value := range d.headers {
		req.Header.Set(header, value)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// WMSReader WMS GetMap 瓦片源
type WMSReader struct {
	url      string
	layers   []string
	headers  map[string]string
	tileSize int
	params   map[string]string
	grid     *Mercator
	client   *http.Client
}

// NewWMSReader 创建 WMS 源, extra 可覆盖 version/format/transparent 等参数
func NewWMSReader(wmsURL string, layers []string, headers map[string]string, extra map[string]string) *WMSReader {
	grid, _ := NewMercator(TileSize, []int{ZoomMin})
	w := &WMSReader{
		url:      wmsURL,
		layers:   layers,
		headers:  headers,
		tileSize: TileSize,
		grid:     grid,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	w.params = map[string]string{
		"service":     "WMS",
		"request":     "GetMap",
		"version":     "1.1.1",
		"styles":      "",
		"format":      mimeTypes[PNG],
		"transparent": "false",
		"layers":      strings.Join(layers, ","),
		"width":       strconv.Itoa(w.tileSize),
		"height":      strconv.Itoa(w.tileSize),
	}
	for k, v := range extra {
		w.params[k] = v
	}
	// 1.3 起投影参数由 srs 改名 crs
	projectionKey := "srs"
	if wmsVersionAtLeast(w.params["version"], "1.3") {
		projectionKey = "crs"
	}
	w.params[projectionKey] = w.grid.Name()
	return w
}

// wmsVersionAtLeast 比较点分版本号
func wmsVersionAtLeast(version, min string) bool {
	vp := strings.Split(version, ".")
	mp := strings.Split(min, ".")
	for i := 0; i < len(mp); i++ {
		v := 0
		if i < len(vp) {
			v, _ = strconv.Atoi(vp[i])
		}
		m, _ := strconv.Atoi(mp[i])
		if v != m {
			return v > m
		}
	}
	return true
}

// Basename 图层列表标识
func (w *WMSReader) Basename() string {
	return strings.Join(w.layers, "-")
}

// Metadata WMS 源无自述信息
func (w *WMSReader) Metadata() map[string]string {
	return map[string]string{}
}

// Format 请求的图片 MIME
func (w *WMSReader) Format() string {
	return w.params["format"]
}

// Tile 按瓦片范围发 GetMap 请求, 校验响应 Content-Type
func (w *WMSReader) Tile(t maptile.Tile) ([]byte, error) {
	log.Debugf("Request WMS tile %v", t)
	bbox := w.grid.TileBbox(t)
	min := w.grid.Project(bbox.Min)
	max := w.grid.Project(bbox.Max)

	values := url.Values{}
	for k, v := range w.params {
		values.Set(k, v)
	}
	// bbox 的逗号不做转义
	u := fmt.Sprintf("%s?%s&bbox=%s", w.url, values.Encode(),
		strings.Join([]string{
			strconv.FormatFloat(min[0], 'f', -1, 64),
			strconv.FormatFloat(min[1], 'f', -1, 64),
			strconv.FormatFloat(max[0], 'f', -1, 64),
			strconv.FormatFloat(max[1], 'f', -1, 64),
		}, ","))

	log.Debugf("Download %s", u)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	for header, value := range w.headers {
		req.Header.Set(header, value)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status code %d", ErrExtraction, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != w.params["format"] {
		return nil, fmt.Errorf("%w: invalid WMS response type: %s", ErrExtraction, contentType)
	}
	return io.ReadAll(resp.Body)
}
