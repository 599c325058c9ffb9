package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	hf         bool
	forceFlag  bool
	configPath string
	logLevel   string
)

func InitFlag() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.BoolVar(&forceFlag, "f", false, "overwrite existing mbtiles output")
	flag.StringVar(&configPath, "c", "./conf/conf.toml", "set config `file`")
	flag.StringVar(&logLevel, "l", "info", "set log level (default: info)")
	// 覆盖默认 Usage
	flag.Usage = usage
	flag.Parse()

	if hf {
		flag.Usage()
		os.Exit(0)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `mbtiler version: mbtiler/v0.1.0
Usage: mbtiler [-h] [-f] [-c filename] [-l logLevel]
`)
	flag.PrintDefaults()
}
