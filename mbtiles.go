package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// ErrInvalidFormat mbtiles 内容无法读取
var ErrInvalidFormat = errors.New("invalid mbtiles format")

// MBTilesReader 已有 mbtiles 瓦片库读取源
// 库内行号为 TMS, 对外统一 XYZ
type MBTilesReader struct {
	filename string
	tileSize int
	db       *sql.DB
}

// NewMBTilesReader 创建读取源, 文件打开推迟到首次查询
func NewMBTilesReader(filename string) *MBTilesReader {
	return &MBTilesReader{filename: filename, tileSize: TileSize}
}

// Basename 文件名标识
func (r *MBTilesReader) Basename() string {
	return filepath.Base(r.filename)
}

func (r *MBTilesReader) open() (*sql.DB, error) {
	if r.db == nil {
		log.Debugf("Open MBTiles file '%s'", r.filename)
		db, err := sql.Open("sqlite3", r.filename)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		r.db = db
	}
	return r.db, nil
}

// Close 关闭底层连接
func (r *MBTilesReader) Close() error {
	if r.db == nil {
		return nil
	}
	db := r.db
	r.db = nil
	return db.Close()
}

// Tile 按 XYZ 坐标提取, 缺失视为数据完整性问题
func (r *MBTilesReader) Tile(t maptile.Tile) ([]byte, error) {
	log.Debugf("Extract tile %v", t)
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	var body []byte
	row := db.QueryRow(`SELECT tile_data FROM tiles
	                    WHERE zoom_level=? AND tile_column=? AND tile_row=?`,
		t.Z, t.X, flipY(t.Y, t.Z))
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: could not extract tile %v from %s", ErrExtraction, t, r.filename)
		}
		return nil, fmt.Errorf("%w: %v while reading %s", ErrInvalidFormat, err, r.filename)
	}
	return body, nil
}

// Metadata metadata 表内容
func (r *MBTilesReader) Metadata() map[string]string {
	meta := map[string]string{}
	db, err := r.open()
	if err != nil {
		return meta
	}
	rows, err := db.Query(`SELECT name, value FROM metadata`)
	if err != nil {
		return meta
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if rows.Scan(&name, &value) == nil {
			meta[name] = value
		}
	}
	return meta
}

// ZoomLevels 库内出现过的级别, 升序
func (r *MBTilesReader) ZoomLevels() ([]int, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT DISTINCT(zoom_level) FROM tiles ORDER BY zoom_level`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v while reading %s", ErrInvalidFormat, err, r.filename)
	}
	defer rows.Close()
	var levels []int
	for rows.Next() {
		var z int
		if err := rows.Scan(&z); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		levels = append(levels, z)
	}
	return levels, nil
}

// FindCoverage 探测指定级别下第一段列相邻(容差1)瓦片的经纬度范围
// 假定单次连续存储; 多块离散区域只报告第一段
func (r *MBTilesReader) FindCoverage(zoom int) (orb.Bound, error) {
	db, err := r.open()
	if err != nil {
		return orb.Bound{}, err
	}
	rows, err := db.Query(`SELECT tile_column, tile_row FROM tiles
	                       WHERE zoom_level=?
	                       ORDER BY tile_column, tile_row`, zoom)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("%w: %v while reading %s", ErrInvalidFormat, err, r.filename)
	}
	defer rows.Close()

	first := true
	var xmin, xmax, rmin, rmax, prevCol uint32
	for rows.Next() {
		var col, tmsRow uint32
		if err := rows.Scan(&col, &tmsRow); err != nil {
			return orb.Bound{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if first {
			xmin, xmax, rmin, rmax, prevCol = col, col, tmsRow, tmsRow, col
			first = false
			continue
		}
		if col-prevCol > 1 {
			break // 相邻段结束
		}
		prevCol = col
		xmax = col
		if tmsRow < rmin {
			rmin = tmsRow
		}
		if tmsRow > rmax {
			rmax = tmsRow
		}
	}
	if first {
		return orb.Bound{}, fmt.Errorf("%w: no tiles at zoom %d in %s", ErrExtraction, zoom, r.filename)
	}

	// TMS 行转回 XYZ 再做像素反投影
	z := maptile.Zoom(zoom)
	yTop := flipY(rmax, z)
	yBottom := flipY(rmin, z)
	s := float64(r.tileSize)
	grid, err := NewMercator(r.tileSize, []int{zoom})
	if err != nil {
		return orb.Bound{}, err
	}
	nw := grid.UnprojectPixels(orb.Point{float64(xmin) * s, float64(yTop) * s}, zoom)
	se := grid.UnprojectPixels(orb.Point{float64(xmax+1) * s, float64(yBottom+1) * s}, zoom)
	return orb.Bound{Min: orb.Point{nw[0], se[1]}, Max: orb.Point{se[0], nw[1]}}, nil
}

// packMBTiles 把暂存目录(z/x/row.ext, TMS 行号)打包为 mbtiles 文件
func packMBTiles(stagingDir, outPath string, metadata map[string]string) error {
	db, err := sql.Open("sqlite3", outPath)
	if err != nil {
		return err
	}
	defer db.Close()

	stmts := []string{
		`PRAGMA synchronous=0`,
		`PRAGMA journal_mode=DELETE`,
		`CREATE TABLE IF NOT EXISTS metadata (name text, value text)`,
		`CREATE TABLE IF NOT EXISTS tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for name, value := range metadata {
		if _, err := tx.Exec(`REPLACE INTO metadata (name, value) VALUES (?, ?)`, name, value); err != nil {
			return err
		}
	}

	insert, err := tx.Prepare(`REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insert.Close()

	err = filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 {
			return nil // 非 z/x/row 布局的文件跳过
		}
		z, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil
		}
		x, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil
		}
		row, err := strconv.Atoi(strings.TrimSuffix(parts[2], filepath.Ext(parts[2])))
		if err != nil {
			return nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = insert.Exec(z, x, row, body)
		return err
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}
