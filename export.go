package main

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// ImageExporter 把单级别覆盖的瓦片拼成一张大图
type ImageExporter struct {
	manager  *TilesManager
	grid     TileGrid
	tileSize int
}

// NewImageExporter 创建导出器
func NewImageExporter(manager *TilesManager) *ImageExporter {
	grid, _ := NewMercator(manager.tileSize, []int{ZoomMin})
	return &ImageExporter{
		manager:  manager,
		grid:     grid,
		tileSize: manager.tileSize,
	}
}

// GridTiles bbox 覆盖瓦片按行排列, 行自北向南, 列自西向东
// 非矩形覆盖会产生参差的行, ExportImage 以透明补齐
func (e *ImageExporter) GridTiles(bbox orb.Bound, zoom int) ([][]maptile.Tile, error) {
	tiles, err := e.grid.TilesList(bbox, []int{zoom})
	if err != nil {
		return nil, err
	}
	rows := map[uint32][]maptile.Tile{}
	for _, t := range tiles {
		rows[t.Y] = append(rows[t.Y], t)
	}
	ys := make([]uint32, 0, len(rows))
	for y := range rows {
		ys = append(ys, y)
	}
	sort.Slice(ys, func(i, j int) bool { return ys[i] < ys[j] })

	grid := make([][]maptile.Tile, 0, len(ys))
	for _, y := range ys {
		row := rows[y]
		sort.Slice(row, func(i, j int) bool { return row[i].X < row[j].X })
		grid = append(grid, row)
	}
	return grid, nil
}

// ExportImage 拼接 bbox 在指定级别的瓦片并按扩展名编码到文件
func (e *ImageExporter) ExportImage(bbox orb.Bound, zoom int, imagepath string) error {
	grid, err := e.GridTiles(bbox, zoom)
	if err != nil {
		return err
	}
	if len(grid) == 0 {
		return ErrEmptyCoverage
	}

	// 画布宽度按全局列范围, 参差行留透明
	minX, maxX := grid[0][0].X, grid[0][0].X
	for _, row := range grid {
		if row[0].X < minX {
			minX = row[0].X
		}
		if last := row[len(row)-1].X; last > maxX {
			maxX = last
		}
	}
	cols := int(maxX-minX) + 1
	s := e.tileSize
	canvas := image.NewNRGBA(image.Rect(0, 0, cols*s, len(grid)*s))

	for i, row := range grid {
		for _, t := range row {
			body, err := e.manager.Tile(t)
			if err != nil {
				return err
			}
			img, err := decodeImage(body)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCapability, err)
			}
			j := int(t.X - minX)
			offset := image.Pt(j*s, i*s)
			draw.Draw(canvas, image.Rectangle{Min: offset, Max: offset.Add(image.Pt(s, s))},
				img, img.Bounds().Min, draw.Src)
		}
	}

	ext := strings.TrimPrefix(filepath.Ext(imagepath), ".")
	if ext == "jpeg" {
		ext = JPG
	}
	if ext != PNG && ext != JPG {
		return fmt.Errorf("%w: unsupported image extension %q", ErrCapability, ext)
	}
	body, err := encodeImage(canvas, mimeTypes[ext])
	if err != nil {
		return err
	}
	return os.WriteFile(imagepath, body, 0644)
}
