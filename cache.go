package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// 瓦片行号方案
const (
	SchemeXYZ  = "xyz"
	SchemeTMS  = "tms"
	SchemeWMTS = "wmts" // xyz 的别名
)

// normalizeScheme wmts 归一为 xyz
func normalizeScheme(scheme string) string {
	if scheme == SchemeTMS {
		return SchemeTMS
	}
	return SchemeXYZ
}

var basenameStrip = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// sanitizeBasename 缓存目录名净化, 确定且幂等
// 路径分隔符转下划线, 只保留字母数字下划线, 统一小写
func sanitizeBasename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return strings.ToLower(basenameStrip.ReplaceAllString(name, ""))
}

// CacheBasename 由源标识与图层/滤镜片段推导缓存目录名
// 纯函数, 同样输入必得同样目录
func CacheBasename(identity string, fragments ...string) string {
	parts := append([]string{identity}, fragments...)
	return sanitizeBasename(strings.Join(parts, "_"))
}

// Cache 瓦片缓存接口, 读未命中不是错误
type Cache interface {
	Folder() string
	Read(t maptile.Tile) ([]byte, bool)
	Save(body []byte, t maptile.Tile) error
	Remove(t maptile.Tile) error
	Clean() error
}

// DummyCache 关闭缓存时的空实现
type DummyCache struct{}

func (DummyCache) Folder() string                      { return "" }
func (DummyCache) Read(maptile.Tile) ([]byte, bool)    { return nil, false }
func (DummyCache) Save([]byte, maptile.Tile) error     { return nil }
func (DummyCache) Remove(maptile.Tile) error           { return nil }
func (DummyCache) Clean() error                        { return nil }

// DiskCache 按源目录落盘的瓦片缓存
type DiskCache struct {
	folder    string
	scheme    string
	extension string
}

// NewDiskCache 创建磁盘缓存, 目录首次写入时才建立
func NewDiskCache(root, basename, scheme, extension string) *DiskCache {
	return &DiskCache{
		folder:    filepath.Join(root, sanitizeBasename(basename)),
		scheme:    normalizeScheme(scheme),
		extension: extension,
	}
}

// Folder 缓存根目录
func (c *DiskCache) Folder() string {
	return c.folder
}

// TileFile 瓦片目录(z/x)与文件名(row.ext), tms 时行号翻转
func (c *DiskCache) TileFile(t maptile.Tile) (string, string) {
	row := t.Y
	if c.scheme == SchemeTMS {
		row = flipY(t.Y, t.Z)
	}
	dir := filepath.Join(fmt.Sprintf("%d", t.Z), fmt.Sprintf("%d", t.X))
	name := fmt.Sprintf("%d.%s", row, c.extension)
	return dir, name
}

// TileFullPath 瓦片文件完整路径
func (c *DiskCache) TileFullPath(t maptile.Tile) string {
	dir, name := c.TileFile(t)
	return filepath.Join(c.folder, dir, name)
}

// Read 读取瓦片, 未命中返回 false
func (c *DiskCache) Read(t maptile.Tile) ([]byte, bool) {
	path := c.TileFullPath(t)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	log.Debugf("Found %s", path)
	return body, true
}

// Save 写入瓦片, 按需建目录
func (c *DiskCache) Save(body []byte, t maptile.Tile) error {
	path := c.TileFullPath(t)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	log.Debugf("Save %d bytes to %s", len(body), path)
	return os.WriteFile(path, body, 0644)
}

// Remove 删除瓦片并尝试清掉最多3层空目录
func (c *DiskCache) Remove(t maptile.Tile) error {
	path := c.TileFullPath(t)
	if err := os.Remove(path); err != nil {
		return err
	}
	parent := filepath.Dir(path)
	for i := 0; i < 3; i++ {
		// 目录非空时停止
		if err := os.Remove(parent); err != nil {
			break
		}
		parent = filepath.Dir(parent)
	}
	return nil
}

// Clean 整目录删除, 目录不存在不算错误
func (c *DiskCache) Clean() error {
	log.Debugf("Clean-up %s", c.folder)
	return os.RemoveAll(c.folder)
}
