package main

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"
)

// Filter 瓦片图像变换, Basename 参与缓存目录推导
type Filter interface {
	Basename() string
	Process(img image.Image) image.Image
}

// GrayScale 灰度滤镜
type GrayScale struct{}

// Basename 滤镜标识
func (GrayScale) Basename() string {
	return "grayscale"
}

// Process 转为灰度图
func (GrayScale) Process(img image.Image) image.Image {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray
}

// parseRGBA 解析 #RRGGBB[AA] 颜色
func parseRGBA(colorstring string) (color.NRGBA, error) {
	s := strings.TrimSpace(colorstring)
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 && len(s) != 8 {
		return color.NRGBA{}, fmt.Errorf("input #%s is not in #RRGGBB format", s)
	}
	var c [4]uint8
	c[3] = 0xff
	for i := 0; i*2 < len(s); i++ {
		n, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return color.NRGBA{}, fmt.Errorf("input #%s is not in #RRGGBB format", s)
		}
		c[i] = uint8(n)
	}
	return color.NRGBA{R: c[0], G: c[1], B: c[2], A: c[3]}, nil
}

// ColorToAlpha 把指定颜色转为透明度
// 算法来自 Phatch - Photo Batch Processor
type ColorToAlpha struct {
	color color.NRGBA
	name  string
}

// NewColorToAlpha 创建滤镜, 颜色格式 #RRGGBB[AA]
func NewColorToAlpha(colorstring string) (*ColorToAlpha, error) {
	c, err := parseRGBA(colorstring)
	if err != nil {
		return nil, err
	}
	return &ColorToAlpha{color: c, name: "colortoalpha" + colorstring}, nil
}

// Basename 滤镜标识含颜色
func (f *ColorToAlpha) Basename() string {
	return f.name
}

// Process 目标颜色像素转为透明, 其余按差异率还原
func (f *ColorToAlpha) Process(img image.Image) image.Image {
	src := toNRGBA(img)
	bounds := src.Bounds()
	out := image.NewNRGBA(bounds)
	ref := [3]float64{float64(f.color.R), float64(f.color.G), float64(f.color.B)}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			p := src.NRGBAAt(x, y)
			bandIn := [3]float64{float64(p.R), float64(p.G), float64(p.B)}

			// 每通道取两个方向差异率的最大值
			alpha := 0.0
			for i := 0; i < 3; i++ {
				if bandIn[i] > ref[i] && ref[i] < 255 {
					if d := (bandIn[i] - ref[i]) / (255 - ref[i]); d > alpha {
						alpha = d
					}
				}
				if bandIn[i] < ref[i] && ref[i] > 0 {
					if d := (ref[i] - bandIn[i]) / ref[i]; d > alpha {
						alpha = d
					}
				}
			}
			if alpha > 1 {
				alpha = 1
			}

			var bandOut [3]uint8
			if alpha == 0 {
				bandOut = [3]uint8{f.color.R, f.color.G, f.color.B}
			} else {
				for i := 0; i < 3; i++ {
					v := (bandIn[i]-ref[i])/alpha + ref[i]
					bandOut[i] = clampByte(v)
				}
			}
			out.SetNRGBA(x, y, color.NRGBA{
				R: bandOut[0],
				G: bandOut[1],
				B: bandOut[2],
				A: clampByte(float64(p.A) * alpha),
			})
		}
	}
	return out
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// toNRGBA 统一为带透明通道的像素格式
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)
	return out
}
