package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

var conf *Conf

// SourceConf 瓦片来源配置, type 决定启用哪组字段
type SourceConf struct {
	Type       string            `toml:"type"` // remote | wms | mbtiles | render
	URL        string            `toml:"url"`
	Subdomains []string          `toml:"subdomains"`
	Headers    map[string]string `toml:"headers"`
	Layers     []string          `toml:"layers"`     // wms
	Options    map[string]string `toml:"options"`    // wms 附加参数
	File       string            `toml:"file"`       // mbtiles
	Stylesheet string            `toml:"stylesheet"` // render
}

// LayerConf 叠加图层配置
type LayerConf struct {
	Source  SourceConf `toml:"source"`
	Opacity float64    `toml:"opacity"`
}

// FilterConf 滤镜配置
type FilterConf struct {
	Type  string `toml:"type"` // grayscale | colortoalpha
	Color string `toml:"color"`
}

// CoverageConf 覆盖范围配置, geojson 优先于 bbox
type CoverageConf struct {
	Bbox    []float64 `toml:"bbox"` // xmin, ymin, xmax, ymax
	Min     int       `toml:"min"`
	Max     int       `toml:"max"`
	Geojson string    `toml:"geojson"`
}

type Conf struct {
	App struct {
		Version string `toml:"version"`
		Title   string `toml:"title"`
	} `toml:"app"`
	Output struct {
		Filepath       string `toml:"filepath"`
		Force          bool   `toml:"force"`
		TmpDir         string `toml:"tmpDir"`
		LogDir         string `toml:"logDir"`
		OutputTerminal bool   `toml:"outputTerminal"`
	} `toml:"output"`
	Cache struct {
		Enabled   bool   `toml:"enabled"`
		Directory string `toml:"directory"`
		Scheme    string `toml:"scheme"`
	} `toml:"cache"`
	Task struct {
		Workers   int `toml:"workers"`
		Timedelay int `toml:"timedelay"`
	} `toml:"task"`
	Source    SourceConf     `toml:"source"`
	Format    string         `toml:"format"` // 显式瓦片格式(MIME)
	Lrs       []LayerConf    `toml:"lrs"`
	Filters   []FilterConf   `toml:"filters"`
	Coverages []CoverageConf `toml:"coverages"`
}

// InitConf 初始化配置
func InitConf(cfgFile string) {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("config file(%s) not exist", cfgFile)
		os.Exit(1)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	// 设置默认值
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("app.title", "MapCloud MBTiler")
	viper.SetDefault("output.filepath", "tiles.mbtiles")
	viper.SetDefault("output.tmpDir", os.TempDir())
	viper.SetDefault("output.outputTerminal", true)
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.directory", "cache")
	viper.SetDefault("cache.scheme", SchemeWMTS)
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("task.timedelay", 0)
	viper.SetDefault("source.type", "remote")
	viper.SetDefault("source.url", "http://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png")

	err = viper.Unmarshal(&conf)
	if err != nil {
		panic("配置文件解析失败")
	}
}
