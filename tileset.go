package main

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Transformer 经纬度与投影坐标互转
type Transformer interface {
	FromLonLat(ll orb.Point) orb.Point
	ToLonLat(pt orb.Point) orb.Point
}

type mercatorTransformer struct{ m *Mercator }

func (t mercatorTransformer) FromLonLat(ll orb.Point) orb.Point { return t.m.Project(ll) }
func (t mercatorTransformer) ToLonLat(pt orb.Point) orb.Point   { return t.m.Unproject(pt) }

// identityTransformer 无投影库可用时的降级实现
type identityTransformer struct{}

func (identityTransformer) FromLonLat(ll orb.Point) orb.Point { return ll }
func (identityTransformer) ToLonLat(pt orb.Point) orb.Point   { return pt }

func transformerFor(projName string) Transformer {
	switch projName {
	case "EPSG:3857", "EPSG:900913":
		m, _ := NewMercator(TileSize, []int{ZoomMin})
		return mercatorTransformer{m: m}
	case "EPSG:4326", "":
		return identityTransformer{}
	default:
		log.Warnf("no transformer for %s, coordinates passed through", projName)
		return identityTransformer{}
	}
}

// TileSetConfig 自定义瓦片网格参数
type TileSetConfig struct {
	TileSize      int
	Proj          string    // 默认 EPSG:3857
	Extent        orb.Bound // 投影坐标范围, 必填
	LevelNumber   int       // 级别数, 默认 21
	MaxResolution float64   // 首级分辨率, 默认按 extent 铺满一张瓦片
	Resolutions   []float64 // 每级分辨率, 设置后覆盖以上两项
}

// TileSet 自定义范围/分辨率的瓦片网格
// 配置为 EPSG:3857 + 全球范围时结果与 Mercator 一致
type TileSet struct {
	tileSize    int
	projName    string
	extent      orb.Bound
	resolutions []float64
	transformer Transformer
}

// NewTileSet 创建自定义瓦片网格
func NewTileSet(cfg TileSetConfig) (*TileSet, error) {
	if cfg.TileSize == 0 {
		cfg.TileSize = TileSize
	}
	if cfg.Proj == "" {
		cfg.Proj = "EPSG:3857"
	}
	ext := cfg.Extent
	if ext.Min[0] >= ext.Max[0] || ext.Min[1] >= ext.Max[1] {
		return nil, fmt.Errorf("%w: extent must be (xmin, ymin, xmax, ymax)", ErrInvalidCoverage)
	}
	resolutions := cfg.Resolutions
	if len(resolutions) == 0 {
		maxRes := cfg.MaxResolution
		if maxRes == 0 {
			mapSize := math.Max(ext.Max[0]-ext.Min[0], ext.Max[1]-ext.Min[1])
			maxRes = mapSize / float64(cfg.TileSize)
		}
		levels := cfg.LevelNumber
		if levels == 0 {
			levels = 21
		}
		for n := 0; n < levels; n++ {
			resolutions = append(resolutions, maxRes/math.Pow(2, float64(n)))
		}
	}
	return &TileSet{
		tileSize:    cfg.TileSize,
		projName:    cfg.Proj,
		extent:      ext,
		resolutions: resolutions,
		transformer: transformerFor(cfg.Proj),
	}, nil
}

// Name 网格的投影标识
func (ts *TileSet) Name() string {
	return ts.projName
}

// Resolutions 每级分辨率
func (ts *TileSet) Resolutions() []float64 {
	return ts.resolutions
}

// ProjectPixels 经纬度转像素坐标, 行号自北向南(XYZ)
func (ts *TileSet) ProjectPixels(ll orb.Point, zoom int) orb.Point {
	c := ts.transformer.FromLonLat(ll)
	res := ts.resolutions[zoom]
	x := math.Round((c[0] - ts.extent.Min[0]) / res)
	y := math.Round((ts.extent.Max[1] - c[1]) / res)
	return orb.Point{x, y}
}

// UnprojectPixels 像素坐标转经纬度
func (ts *TileSet) UnprojectPixels(px orb.Point, zoom int) orb.Point {
	res := ts.resolutions[zoom]
	x := px[0]*res + ts.extent.Min[0]
	y := ts.extent.Max[1] - px[1]*res
	return ts.transformer.ToLonLat(orb.Point{x, y})
}

// Project 经纬度转投影坐标
func (ts *TileSet) Project(ll orb.Point) orb.Point {
	return ts.transformer.FromLonLat(ll)
}

// Unproject 投影坐标转经纬度
func (ts *TileSet) Unproject(pt orb.Point) orb.Point {
	return ts.transformer.ToLonLat(pt)
}

// TileAt 经纬度所在瓦片
func (ts *TileSet) TileAt(zoom int, ll orb.Point) maptile.Tile {
	px := ts.ProjectPixels(ll, zoom)
	s := float64(ts.tileSize)
	return maptile.New(uint32(px[0]/s), uint32(px[1]/s), maptile.Zoom(zoom))
}

// TileBbox 瓦片的经纬度范围
func (ts *TileSet) TileBbox(t maptile.Tile) orb.Bound {
	s := float64(ts.tileSize)
	topleft := orb.Point{float64(t.X) * s, float64(t.Y+1) * s}
	bottomright := orb.Point{float64(t.X+1) * s, float64(t.Y) * s}
	sw := ts.UnprojectPixels(topleft, int(t.Z))
	ne := ts.UnprojectPixels(bottomright, int(t.Z))
	return orb.Bound{Min: sw, Max: ne}
}

// gridSize 级别内行列数
func (ts *TileSet) gridSize(zoom int) (nx, ny int64) {
	res := ts.resolutions[zoom]
	s := float64(ts.tileSize)
	nx = int64(math.Ceil((ts.extent.Max[0] - ts.extent.Min[0]) / (res * s)))
	ny = int64(math.Ceil((ts.extent.Max[1] - ts.extent.Min[1]) / (res * s)))
	return nx, ny
}

// TilesList 枚举 bbox 覆盖的瓦片
func (ts *TileSet) TilesList(bbox orb.Bound, levels []int) ([]maptile.Tile, error) {
	if err := validateCoverage(bbox, levels); err != nil {
		return nil, err
	}
	ll0 := orb.Point{bbox.Min[0], bbox.Max[1]} // left top
	ll1 := orb.Point{bbox.Max[0], bbox.Min[1]} // right bottom

	s := float64(ts.tileSize)
	var list []maptile.Tile
	for _, z := range levels {
		if z < 0 || z >= len(ts.resolutions) {
			continue
		}
		px0 := ts.ProjectPixels(ll0, z)
		px1 := ts.ProjectPixels(ll1, z)
		nx, ny := ts.gridSize(z)
		for x := int64(px0[0] / s); x <= int64(px1[0]/s); x++ {
			if x < 0 || x >= nx {
				continue
			}
			for y := int64(px0[1] / s); y <= int64(px1[1]/s); y++ {
				if y < 0 || y >= ny {
					continue
				}
				list = append(list, maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
			}
		}
	}
	return list, nil
}
