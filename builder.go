package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"
)

// ErrEmptyCoverage 覆盖范围解析不出任何瓦片
var ErrEmptyCoverage = errors.New("empty coverage")

// ErrAborted 构建被外部中止
var ErrAborted = errors.New("build aborted")

// Coverage bbox 或几何 + 级别列表
type Coverage struct {
	Bbox     orb.Bound
	Geometry orb.Geometry // 非空时优先于 Bbox
	Levels   []int
}

// MBTilesBuilder 把覆盖范围内的瓦片打包为 mbtiles
type MBTilesBuilder struct {
	ID       string
	manager  *TilesManager
	grid     TileGrid
	filepath string
	basename string
	tmpDir   string

	coverages []Coverage
	nbtiles   int

	workerCount int
	timeDelay   time.Duration
	abort       chan struct{}
	workers     chan struct{}
	tileWG      sync.WaitGroup
	bar         *pb.ProgressBar
}

// NewMBTilesBuilder 创建构建任务
func NewMBTilesBuilder(manager *TilesManager, outPath, tmpRoot string) *MBTilesBuilder {
	id, _ := shortid.Generate()
	grid, _ := NewMercator(manager.tileSize, []int{ZoomMin})
	basename := strings.TrimSuffix(filepath.Base(outPath), filepath.Ext(outPath))
	return &MBTilesBuilder{
		ID:          id,
		manager:     manager,
		grid:        grid,
		filepath:    outPath,
		basename:    basename,
		tmpDir:      filepath.Join(tmpRoot, basename),
		workerCount: 1,
		abort:       make(chan struct{}),
	}
}

// SetWorkers 并发下载数
func (b *MBTilesBuilder) SetWorkers(n int) {
	if n > 0 {
		b.workerCount = n
	}
}

// SetTimeDelay 每次派发间隔
func (b *MBTilesBuilder) SetTimeDelay(d time.Duration) {
	b.timeDelay = d
}

// AbortFun 注册到安全退出, 中止派发
func (b *MBTilesBuilder) AbortFun() {
	close(b.abort)
}

// Filepath 输出文件
func (b *MBTilesBuilder) Filepath() string {
	return b.filepath
}

// NbTiles 最近一次 Run 解析出的瓦片总数(去重后)
func (b *MBTilesBuilder) NbTiles() int {
	return b.nbtiles
}

// AddCoverage 追加一个 bbox 覆盖
func (b *MBTilesBuilder) AddCoverage(bbox orb.Bound, levels []int) {
	b.coverages = append(b.coverages, Coverage{Bbox: bbox, Levels: levels})
}

// AddGeometryCoverage 追加一个几何覆盖(geojson)
func (b *MBTilesBuilder) AddGeometryCoverage(geom orb.Geometry, levels []int) {
	b.coverages = append(b.coverages, Coverage{Geometry: geom, Levels: levels})
}

// tileSet 各覆盖解析出的瓦片集合(并集去重)
func (b *MBTilesBuilder) tileSet() (maptile.Set, error) {
	set := make(maptile.Set)
	if len(b.coverages) == 0 {
		// 推导出的范围也登记成覆盖, 元数据与瓦片枚举用同一份
		if derived, ok := b.layerCoverage(); ok {
			b.coverages = append(b.coverages, derived)
		}
	}
	for _, c := range b.coverages {
		if c.Geometry != nil {
			if err := validateCoverage(c.Geometry.Bound(), c.Levels); err != nil {
				return nil, err
			}
			for _, z := range c.Levels {
				covered, err := tilecover.Geometry(c.Geometry, maptile.Zoom(z))
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidCoverage, err)
				}
				set.Merge(covered)
			}
			continue
		}
		list, err := b.grid.TilesList(c.Bbox, c.Levels)
		if err != nil {
			return nil, err
		}
		log.Debugf("Compute list of tiles for bbox %v on zooms %v: %d tiles", c.Bbox, c.Levels, len(list))
		for _, t := range list {
			set[t] = true
		}
	}
	return set, nil
}

// layerCoverage 没有显式覆盖时, 从首个叠加图层的自述信息推导
func (b *MBTilesBuilder) layerCoverage() (Coverage, bool) {
	for _, entry := range b.manager.layers {
		meta := entry.manager.Metadata()
		bounds, ok := meta["bounds"]
		if !ok {
			continue
		}
		bbox, err := parseBounds(bounds)
		if err != nil {
			log.Warnf("Malformed layer bounds %q: %s", bounds, err)
			continue
		}
		minz, err1 := strconv.Atoi(meta["minzoom"])
		maxz, err2 := strconv.Atoi(meta["maxzoom"])
		if err1 != nil || err2 != nil {
			continue
		}
		var levels []int
		for z := minz; z <= maxz; z++ {
			levels = append(levels, z)
		}
		return Coverage{Bbox: bbox, Levels: levels}, true
	}
	return Coverage{}, false
}

// parseBounds 解析 "xmin,ymin,xmax,ymax"
func parseBounds(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("%w: bounds %q", ErrInvalidCoverage, s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: bounds %q", ErrInvalidCoverage, s)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// Run 构建 mbtiles, 文件已存在且未指定 force 时直接跳过
func (b *MBTilesBuilder) Run(force bool) error {
	start := time.Now()
	if _, err := os.Stat(b.filepath); err == nil {
		if !force {
			log.Infof("%s already exists. Nothing to do.", b.filepath)
			return nil
		}
		log.Warnf("%s already exists. Overwrite.", b.filepath)
		b.Clean(true)
	}

	set, err := b.tileSet()
	if err != nil {
		return err
	}
	b.nbtiles = len(set)
	if b.nbtiles == 0 {
		return ErrEmptyCoverage
	}
	log.Debugf("%d tiles to be packaged.", b.nbtiles)

	// 排序保证派发顺序稳定
	tiles := make([]maptile.Tile, 0, len(set))
	for t := range set {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		a, c := tiles[i], tiles[j]
		if a.Z != c.Z {
			return a.Z < c.Z
		}
		if a.X != c.X {
			return a.X < c.X
		}
		return a.Y < c.Y
	})

	defer b.Clean(false)
	if err := b.gather(tiles); err != nil {
		return err
	}

	log.Infof("Build MBTiles file '%s'.", b.filepath)
	if err := packMBTiles(b.tmpDir, b.filepath, b.metadata(tiles)); err != nil {
		return err
	}
	log.Infof("Task %s finished in %.3fs, %d tiles fetched", b.ID, time.Since(start).Seconds(), b.manager.Rendered())
	return nil
}

// gather 并发取瓦片并落到暂存目录(TMS 行号)
func (b *MBTilesBuilder) gather(tiles []maptile.Tile) error {
	staging := &DiskCache{
		folder:    b.tmpDir,
		scheme:    SchemeTMS,
		extension: formatExt(b.manager.Format()),
	}

	bar := pb.New(len(tiles)).Prefix(fmt.Sprintf("Task %s: ", b.ID))
	bar.SetRefreshRate(time.Second)
	bar.Start()
	b.bar = bar

	b.workers = make(chan struct{}, b.workerCount)
	var failures int64
	var errOnce sync.Once
	var firstErr error

	for _, t := range tiles {
		select {
		case b.workers <- struct{}{}:
			if b.timeDelay > 0 {
				time.Sleep(b.timeDelay)
			}
			b.tileWG.Add(1)
			go func(t maptile.Tile) {
				defer func() {
					// 进度按实际完成计数
					bar.Increment()
					b.tileWG.Done()
					<-b.workers
				}()
				body, err := b.manager.Tile(t)
				if err == nil {
					err = staging.Save(body, t)
				}
				if err != nil {
					log.Errorf("tile %v error ~ %s", t, err)
					atomic.AddInt64(&failures, 1)
					errOnce.Do(func() { firstErr = err })
				}
			}(t)
		case <-b.abort:
			log.Infof("Task %s got canceled.", b.ID)
			b.tileWG.Wait()
			bar.Finish()
			return ErrAborted
		}
	}
	b.tileWG.Wait()
	bar.FinishPrint(fmt.Sprintf("Task %s gathering finished ~", b.ID))

	if n := atomic.LoadInt64(&failures); n > 0 {
		return fmt.Errorf("%d/%d tiles failed: %w", n, len(tiles), firstErr)
	}
	return nil
}

// metadata 打包随附的元数据记录
func (b *MBTilesBuilder) metadata(tiles []maptile.Tile) map[string]string {
	minzoom, maxzoom := int(tiles[0].Z), int(tiles[0].Z)
	for _, t := range tiles {
		if int(t.Z) < minzoom {
			minzoom = int(t.Z)
		}
		if int(t.Z) > maxzoom {
			maxzoom = int(t.Z)
		}
	}
	bbox := b.globalBbox()
	center := bbox.Center()
	middle := (minzoom + maxzoom) / 2
	return map[string]string{
		"name":    b.basename,
		"format":  formatExt(b.manager.Format()),
		"minzoom": strconv.Itoa(minzoom),
		"maxzoom": strconv.Itoa(maxzoom),
		"bounds": fmt.Sprintf("%v,%v,%v,%v",
			bbox.Min[0], bbox.Min[1], bbox.Max[0], bbox.Max[1]),
		"center": fmt.Sprintf("%v,%v,%d", center[0], center[1], middle),
	}
}

// globalBbox 所有覆盖的外包范围
func (b *MBTilesBuilder) globalBbox() orb.Bound {
	bbox := orb.Bound{Min: orb.Point{180, 90}, Max: orb.Point{-180, -90}}
	for _, c := range b.coverages {
		if c.Geometry != nil {
			bbox = bbox.Union(c.Geometry.Bound())
			continue
		}
		bbox = bbox.Union(c.Bbox)
	}
	return bbox
}

// Clean 清理暂存目录, full 时连同输出文件一起删除
func (b *MBTilesBuilder) Clean(full bool) {
	log.Debugf("Clean-up %s", b.tmpDir)
	os.RemoveAll(b.tmpDir)
	// 父目录只在空时删除
	os.Remove(filepath.Dir(b.tmpDir))
	if full {
		log.Debugf("Delete %s", b.filepath)
		os.Remove(b.filepath)
		os.Remove(b.filepath + "-journal")
	}
}
