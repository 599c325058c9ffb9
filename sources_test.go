package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloaderURL(t *testing.T) {
	d := NewTileDownloader("http://{s}.tile.example.com/{z}/{x}/{y}.png", nil, nil)

	u, err := d.URL(maptile.New(1, 2, 3))
	require.NoError(t, err)
	// 子域由 (x+y) 决定, 同一瓦片永远同一子域
	assert.Equal(t, "http://a.tile.example.com/3/1/2.png", u)

	u, err = d.URL(maptile.New(2, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, "http://b.tile.example.com/3/2/2.png", u)
}

func TestDownloaderURLSizePlaceholder(t *testing.T) {
	d := NewTileDownloader("http://example.com/{z}/{x}/{y}@{size}.png", nil, nil)
	u, err := d.URL(maptile.New(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/0/0/0@256.png", u)
}

func TestDownloaderUnknownPlaceholder(t *testing.T) {
	d := NewTileDownloader("http://example.com/{zoom}/{x}/{y}.png", nil, nil)
	_, err := d.Tile(maptile.New(0, 0, 0))
	assert.ErrorIs(t, err, ErrDownload)
	assert.Contains(t, err.Error(), "unknown keyword")
}

func TestDownloaderBasename(t *testing.T) {
	d := NewTileDownloader("http://tile.example.com/{z}/{x}/{y}.png", nil, nil)
	assert.Equal(t, "tile.example.com/{z}/{x}/{y}.png", d.Basename())
}

func TestDownloaderRetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewTileDownloader(server.URL+"/{z}/{x}/{y}.png", []string{"a"}, nil)
	_, err := d.Tile(maptile.New(0, 0, 0))
	assert.ErrorIs(t, err, ErrDownload)
	assert.Equal(t, int32(DownloadRetries), atomic.LoadInt32(&calls))
}

func TestDownloaderRetryThenSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "tile-body")
	}))
	defer server.Close()

	d := NewTileDownloader(server.URL+"/{z}/{x}/{y}.png", []string{"a"}, nil)
	body, err := d.Tile(maptile.New(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-body"), body)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDownloaderHeaders(t *testing.T) {
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	d := NewTileDownloader(server.URL+"/{z}/{x}/{y}.png", []string{"a"},
		map[string]string{"User-Agent": "mbtiler test"})
	_, err := d.Tile(maptile.New(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "mbtiler test", gotAgent)
}

func TestWMSReaderRequest(t *testing.T) {
	var query map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "wms-tile")
	}))
	defer server.Close()

	wms := NewWMSReader(server.URL, []string{"parcels", "roads"}, nil, nil)
	body, err := wms.Tile(maptile.New(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("wms-tile"), body)

	assert.Equal(t, "WMS", query["service"])
	assert.Equal(t, "GetMap", query["request"])
	assert.Equal(t, "1.1.1", query["version"])
	assert.Equal(t, "parcels,roads", query["layers"])
	assert.Equal(t, "256", query["width"])
	assert.Equal(t, "EPSG:3857", query["srs"])
	assert.NotContains(t, query, "crs")
	// 西半球北半球瓦片, bbox 为负到零的投影米
	assert.Contains(t, query["bbox"], ",")
}

func TestWMSReaderVersion13UsesCRS(t *testing.T) {
	wms := NewWMSReader("http://example.com/wms", []string{"layer"}, nil,
		map[string]string{"version": "1.3.0"})
	assert.Equal(t, "EPSG:3857", wms.params["crs"])
	_, ok := wms.params["srs"]
	assert.False(t, ok)
}

func TestWMSReaderContentTypeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
		fmt.Fprint(w, "<ServiceException/>")
	}))
	defer server.Close()

	wms := NewWMSReader(server.URL, []string{"layer"}, nil, nil)
	_, err := wms.Tile(maptile.New(0, 0, 0))
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestWMSReaderBasenameAndFormat(t *testing.T) {
	wms := NewWMSReader("http://example.com/wms", []string{"a", "b"}, nil,
		map[string]string{"format": "image/jpeg"})
	assert.Equal(t, "a-b", wms.Basename())
	assert.Equal(t, "image/jpeg", wms.Format())
}

func TestWMSVersionCompare(t *testing.T) {
	assert.False(t, wmsVersionAtLeast("1.1.1", "1.3"))
	assert.True(t, wmsVersionAtLeast("1.3.0", "1.3"))
	assert.True(t, wmsVersionAtLeast("2.0", "1.3"))
	assert.True(t, wmsVersionAtLeast("1.3", "1.3"))
}

func TestURLBasenameStripsScheme(t *testing.T) {
	assert.Equal(t, "host/path", urlBasename("https://host/path"))
	assert.Equal(t, "host/path", urlBasename("host/path"))
}
