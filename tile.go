package main

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TileSize 默认瓦片大小
const TileSize = 256

// ZoomMin 最小级别
const ZoomMin = 0

// ZoomMax 最大级别
const ZoomMax = 20

// DownloadRetries 下载默认重试次数
const DownloadRetries = 3

// Constants representing TileFormat types
const (
	PNG  string = "png"
	JPG         = "jpg"
	PBF         = "pbf"
	WEBP        = "webp"
)

// mimeTypes 扩展名与 MIME 对照
var mimeTypes = map[string]string{
	PNG:  "image/png",
	JPG:  "image/jpeg",
	PBF:  "application/x-protobuf",
	WEBP: "image/webp",
}

// formatExt MIME 转扩展名, 未知时返回 png
func formatExt(mime string) string {
	for ext, m := range mimeTypes {
		if m == mime {
			return ext
		}
	}
	return PNG
}

// TileGrid 瓦片网格通用接口 (Mercator / TileSet)
type TileGrid interface {
	Name() string
	ProjectPixels(ll orb.Point, zoom int) orb.Point
	UnprojectPixels(px orb.Point, zoom int) orb.Point
	TileAt(zoom int, ll orb.Point) maptile.Tile
	TileBbox(t maptile.Tile) orb.Bound
	TilesList(bbox orb.Bound, levels []int) ([]maptile.Tile, error)
}
