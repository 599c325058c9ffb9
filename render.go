package main

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Renderer 样式渲染协作方(如 mapnik 绑定)
// 给定经纬度范围与画布尺寸, 返回编码后的图片
// 实现带可变画布状态, 不可重入
type Renderer interface {
	Render(bbox orb.Bound, width, height int) ([]byte, error)
}

// RendererFactory 按样式文件创建渲染器
type RendererFactory func(stylefile string) (Renderer, error)

// RenderSource 本地渲染瓦片源
// 渲染器首次使用时创建并全程复用, 调用间由互斥锁串行
type RenderSource struct {
	stylefile string
	factory   RendererFactory
	tileSize  int
	grid      *Mercator

	mu       sync.Mutex
	renderer Renderer
}

// NewRenderSource 创建渲染源
func NewRenderSource(stylefile string, factory RendererFactory) *RenderSource {
	grid, _ := NewMercator(TileSize, []int{ZoomMin})
	return &RenderSource{
		stylefile: stylefile,
		factory:   factory,
		tileSize:  TileSize,
		grid:      grid,
	}
}

// Basename 样式文件名标识
func (r *RenderSource) Basename() string {
	return filepath.Base(r.stylefile)
}

// Metadata 渲染源无自述信息
func (r *RenderSource) Metadata() map[string]string {
	return map[string]string{}
}

// Tile 渲染指定瓦片
func (r *RenderSource) Tile(t maptile.Tile) ([]byte, error) {
	log.Debugf("Render tile %v", t)
	return r.Render(r.grid.TileBbox(t), r.tileSize, r.tileSize)
}

// Render 渲染任意范围
func (r *RenderSource) Render(bbox orb.Bound, width, height int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderer == nil {
		renderer, err := r.factory(r.stylefile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
		}
		r.renderer = renderer
	}
	return r.renderer.Render(bbox, width, height)
}
