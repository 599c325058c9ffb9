package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeBasename(t *testing.T) {
	cases := map[string]string{
		"tile.openstreetmap.org/{z}/{x}/{y}.png": "tileopenstreetmaporg_z_x_ypng",
		"a/b c.png":  "a_bcpng",
		"UPPER_case": "upper_case",
		"already_ok": "already_ok",
	}
	for in, want := range cases {
		got := sanitizeBasename(in)
		assert.Equal(t, want, got)
		// 幂等
		assert.Equal(t, got, sanitizeBasename(got))
	}
}

func TestCacheBasenameDeterministic(t *testing.T) {
	a := CacheBasename("demo.mbtiles", "overlay0.5", "grayscale")
	b := CacheBasename("demo.mbtiles", "overlay0.5", "grayscale")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CacheBasename("demo.mbtiles"))
	assert.Equal(t, "demombtiles_overlay05_grayscale", a)
}

func TestDiskCacheTileFile(t *testing.T) {
	tile := maptile.New(1, 1, 2)

	xyz := NewDiskCache("/tmp/cache", "demo", SchemeXYZ, PNG)
	dir, name := xyz.TileFile(tile)
	assert.Equal(t, filepath.Join("2", "1"), dir)
	assert.Equal(t, "1.png", name)

	tms := NewDiskCache("/tmp/cache", "demo", SchemeTMS, PNG)
	dir, name = tms.TileFile(tile)
	assert.Equal(t, filepath.Join("2", "1"), dir)
	assert.Equal(t, "2.png", name)

	// wmts 是 xyz 的别名
	wmts := NewDiskCache("/tmp/cache", "demo", SchemeWMTS, PNG)
	_, name = wmts.TileFile(tile)
	assert.Equal(t, "1.png", name)
}

func TestDiskCacheReadMiss(t *testing.T) {
	c := NewDiskCache(t.TempDir(), "demo", SchemeXYZ, PNG)
	body, ok := c.Read(maptile.New(0, 0, 0))
	assert.False(t, ok)
	assert.Nil(t, body)
}

func TestDiskCacheSaveReadRemove(t *testing.T) {
	root := t.TempDir()
	c := NewDiskCache(root, "demo", SchemeXYZ, PNG)
	tile := maptile.New(3, 5, 4)

	require.NoError(t, c.Save([]byte("tile-body"), tile))
	body, ok := c.Read(tile)
	require.True(t, ok)
	assert.Equal(t, []byte("tile-body"), body)

	require.NoError(t, c.Remove(tile))
	_, ok = c.Read(tile)
	assert.False(t, ok)

	// 空目录连带清理: z/x, z, 缓存目录本身
	_, err := os.Stat(c.Folder())
	assert.True(t, os.IsNotExist(err))
	// 缓存根目录保留
	_, err = os.Stat(root)
	assert.NoError(t, err)
}

func TestDiskCacheRemoveKeepsSiblings(t *testing.T) {
	c := NewDiskCache(t.TempDir(), "demo", SchemeXYZ, PNG)
	a := maptile.New(0, 0, 1)
	b := maptile.New(1, 0, 1)
	require.NoError(t, c.Save([]byte("a"), a))
	require.NoError(t, c.Save([]byte("b"), b))

	require.NoError(t, c.Remove(a))
	body, ok := c.Read(b)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), body)
}

func TestDiskCacheClean(t *testing.T) {
	c := NewDiskCache(t.TempDir(), "demo", SchemeXYZ, PNG)
	require.NoError(t, c.Save([]byte("x"), maptile.New(0, 0, 0)))
	require.NoError(t, c.Clean())
	_, err := os.Stat(c.Folder())
	assert.True(t, os.IsNotExist(err))
	// 目录不存在时不算错误
	assert.NoError(t, c.Clean())
}

func TestDummyCache(t *testing.T) {
	c := DummyCache{}
	tile := maptile.New(0, 0, 0)
	assert.NoError(t, c.Save([]byte("x"), tile))
	body, ok := c.Read(tile)
	assert.False(t, ok)
	assert.Nil(t, body)
	assert.NoError(t, c.Remove(tile))
	assert.NoError(t, c.Clean())
	assert.Empty(t, c.Folder())
}
