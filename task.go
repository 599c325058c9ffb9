package main

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// buildSource 按配置解析为具体瓦片来源, 一次解析后不再分支
func buildSource(sc SourceConf) (TileSource, error) {
	switch sc.Type {
	case "remote", "":
		return NewTileDownloader(sc.URL, sc.Subdomains, sc.Headers), nil
	case "wms":
		return NewWMSReader(sc.URL, sc.Layers, sc.Headers, sc.Options), nil
	case "mbtiles":
		return NewMBTilesReader(sc.File), nil
	case "render":
		return nil, fmt.Errorf("render source needs a renderer binding, none configured")
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

// buildFilter 按配置创建滤镜
func buildFilter(fc FilterConf) (Filter, error) {
	switch fc.Type {
	case "grayscale":
		return GrayScale{}, nil
	case "colortoalpha":
		return NewColorToAlpha(fc.Color)
	default:
		return nil, fmt.Errorf("unknown filter type %q", fc.Type)
	}
}

// buildManager 组装主管线: 来源 + 缓存 + 图层 + 滤镜
func buildManager() (*TilesManager, error) {
	source, err := buildSource(conf.Source)
	if err != nil {
		return nil, err
	}
	manager := NewTilesManager(TilesManagerConfig{
		Source:      source,
		Cache:       conf.Cache.Enabled,
		CacheRoot:   conf.Cache.Directory,
		CacheScheme: conf.Cache.Scheme,
		TileFormat:  conf.Format,
	})

	for _, lc := range conf.Lrs {
		layerSource, err := buildSource(lc.Source)
		if err != nil {
			return nil, err
		}
		layer := NewTilesManager(TilesManagerConfig{
			Source:      layerSource,
			Cache:       conf.Cache.Enabled,
			CacheRoot:   conf.Cache.Directory,
			CacheScheme: conf.Cache.Scheme,
		})
		if err := manager.AddLayer(layer, lc.Opacity); err != nil {
			return nil, err
		}
	}
	for _, fc := range conf.Filters {
		f, err := buildFilter(fc)
		if err != nil {
			return nil, err
		}
		if err := manager.AddFilter(f); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// InitTask 开始构建任务
func InitTask() {
	start := time.Now()

	manager, err := buildManager()
	if err != nil {
		log.Fatalf("assemble pipeline error, details: %s", err)
	}

	task := NewMBTilesBuilder(manager, conf.Output.Filepath, conf.Output.TmpDir)
	task.SetWorkers(conf.Task.Workers)
	task.SetTimeDelay(time.Duration(conf.Task.Timedelay) * time.Millisecond)

	for _, cc := range conf.Coverages {
		var levels []int
		for z := cc.Min; z <= cc.Max; z++ {
			levels = append(levels, z)
		}
		if cc.Geojson != "" {
			for _, g := range loadCollection(cc.Geojson) {
				task.AddGeometryCoverage(g, levels)
			}
			continue
		}
		if len(cc.Bbox) != 4 {
			log.Fatalf("coverage bbox must be (xmin, ymin, xmax, ymax), got %v", cc.Bbox)
		}
		task.AddCoverage(orb.Bound{
			Min: orb.Point{cc.Bbox[0], cc.Bbox[1]},
			Max: orb.Point{cc.Bbox[2], cc.Bbox[3]},
		}, levels)
	}

	// 注册安全退出
	SafeExitInst.Register(task.AbortFun)

	force := conf.Output.Force || forceFlag
	if err := task.Run(force); err != nil {
		log.Fatalf("Task %s failed, details: %s", task.ID, err)
	}

	secs := time.Since(start).Seconds()
	log.Printf("\n%.3fs finished...", secs)
}
