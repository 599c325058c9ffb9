package main

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// DegToRad 角度转弧度
	DegToRad = math.Pi / 180
	// RadToDeg 弧度转角度
	RadToDeg = 180 / math.Pi
	// MaxLatitude Web-Mercator 最大纬度
	MaxLatitude = 85.0511287798
	// EarthRadius 地球半径(米)
	EarthRadius = 6378137.0
)

// ErrInvalidCoverage 范围参数非法
var ErrInvalidCoverage = errors.New("invalid coverage")

func minmax(a, b, c float64) float64 {
	return math.Min(math.Max(a, b), c)
}

// Mercator Web-Mercator 像素金字塔投影
// 参考 OSM generate_tiles 的经典实现
type Mercator struct {
	tileSize int
	mu       sync.Mutex
	maxLevel int
	bc       []float64   // 每级别 度->像素 系数
	cc       []float64   // 每级别 弧度->像素 系数
	zc       []orb.Point // 每级别像素原点
	ac       []float64   // 每级别像素总宽度
}

// NewMercator 创建投影, levels 不能为空
func NewMercator(tileSize int, levels []int) (*Mercator, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: no zoom levels", ErrInvalidCoverage)
	}
	max := levels[0]
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	m := &Mercator{tileSize: tileSize}
	m.grow(max)
	return m, nil
}

// grow 惰性扩展预计算表到指定级别
func (m *Mercator) grow(level int) {
	c := float64(m.tileSize) * math.Pow(2, float64(len(m.bc)))
	for d := len(m.bc); d <= level; d++ {
		e := c / 2
		m.bc = append(m.bc, c/360.0)
		m.cc = append(m.cc, c/(2*math.Pi))
		m.zc = append(m.zc, orb.Point{e, e})
		m.ac = append(m.ac, c)
		c *= 2
	}
	if level+1 > m.maxLevel {
		m.maxLevel = level + 1
	}
}

// ensure 级别未预计算时补表, 并发安全
func (m *Mercator) ensure(zoom int) {
	if zoom < m.maxLevel {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if zoom >= m.maxLevel {
		m.grow(zoom)
	}
}

// MaxLevel 已预计算的级别上限(不含)
func (m *Mercator) MaxLevel() int {
	return m.maxLevel
}

// Name 投影标识
func (m *Mercator) Name() string {
	return "EPSG:3857"
}

// ProjectPixels 经纬度转指定级别像素坐标
func (m *Mercator) ProjectPixels(ll orb.Point, zoom int) orb.Point {
	m.ensure(zoom)
	d := m.zc[zoom]
	e := math.Round(d[0] + ll[0]*m.bc[zoom])
	f := minmax(math.Sin(DegToRad*ll[1]), -0.9999, 0.9999)
	g := math.Round(d[1] + 0.5*math.Log((1+f)/(1-f))*-m.cc[zoom])
	return orb.Point{e, g}
}

// UnprojectPixels 像素坐标转经纬度
func (m *Mercator) UnprojectPixels(px orb.Point, zoom int) orb.Point {
	m.ensure(zoom)
	e := m.zc[zoom]
	f := (px[0] - e[0]) / m.bc[zoom]
	g := (px[1] - e[1]) / -m.cc[zoom]
	h := RadToDeg * (2*math.Atan(math.Exp(g)) - 0.5*math.Pi)
	return orb.Point{f, h}
}

// Project 经纬度转 Web-Mercator 米
func (m *Mercator) Project(ll orb.Point) orb.Point {
	x := ll[0] * DegToRad
	lat := minmax(ll[1], -MaxLatitude, MaxLatitude)
	y := math.Log(math.Tan(math.Pi/4 + lat*DegToRad/2))
	return orb.Point{x * EarthRadius, y * EarthRadius}
}

// Unproject Web-Mercator 米转经纬度
func (m *Mercator) Unproject(pt orb.Point) orb.Point {
	lng := pt[0] / EarthRadius * RadToDeg
	lat := RadToDeg * (2*math.Atan(math.Exp(pt[1]/EarthRadius)) - math.Pi/2)
	return orb.Point{lng, lat}
}

// TileAt 经纬度所在瓦片(XYZ)
func (m *Mercator) TileAt(zoom int, ll orb.Point) maptile.Tile {
	px := m.ProjectPixels(ll, zoom)
	s := float64(m.tileSize)
	return maptile.New(uint32(px[0]/s), uint32(px[1]/s), maptile.Zoom(zoom))
}

// TileBbox 瓦片的经纬度范围 (west,south)-(east,north)
func (m *Mercator) TileBbox(t maptile.Tile) orb.Bound {
	s := float64(m.tileSize)
	topleft := orb.Point{float64(t.X) * s, float64(t.Y+1) * s}
	bottomright := orb.Point{float64(t.X+1) * s, float64(t.Y) * s}
	sw := m.UnprojectPixels(topleft, int(t.Z))
	ne := m.UnprojectPixels(bottomright, int(t.Z))
	return orb.Bound{Min: sw, Max: ne}
}

// TilesList 枚举 bbox 在各级别覆盖的瓦片(XYZ)
func (m *Mercator) TilesList(bbox orb.Bound, levels []int) ([]maptile.Tile, error) {
	if err := validateCoverage(bbox, levels); err != nil {
		return nil, err
	}
	ll0 := orb.Point{bbox.Min[0], bbox.Max[1]} // left top
	ll1 := orb.Point{bbox.Max[0], bbox.Min[1]} // right bottom

	s := float64(m.tileSize)
	var list []maptile.Tile
	for _, z := range levels {
		px0 := m.ProjectPixels(ll0, z)
		px1 := m.ProjectPixels(ll1, z)

		n := int64(1) << uint(z)
		for x := int64(px0[0] / s); x <= int64(px1[0]/s); x++ {
			if x < 0 || x >= n {
				continue
			}
			for y := int64(px0[1] / s); y <= int64(px1[1]/s); y++ {
				if y < 0 || y >= n {
					continue
				}
				list = append(list, maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
			}
		}
	}
	return list, nil
}

// validateCoverage 校验经纬度范围与级别列表
func validateCoverage(bbox orb.Bound, levels []int) error {
	if len(levels) == 0 {
		return fmt.Errorf("%w: no zoom levels", ErrInvalidCoverage)
	}
	xmin, ymin := bbox.Min[0], bbox.Min[1]
	xmax, ymax := bbox.Max[0], bbox.Max[1]
	if math.Abs(xmin) > 180 || math.Abs(xmax) > 180 ||
		math.Abs(ymin) > 90 || math.Abs(ymax) > 90 {
		return fmt.Errorf("%w: coordinates exceed [-180,+180], [-90,+90]", ErrInvalidCoverage)
	}
	if xmin >= xmax || ymin >= ymax {
		return fmt.Errorf("%w: bbox must be (xmin, ymin, xmax, ymax)", ErrInvalidCoverage)
	}
	return nil
}

// flipY XYZ 与 TMS 行号互转
func flipY(y uint32, z maptile.Zoom) uint32 {
	return (1 << uint(z)) - 1 - y
}
