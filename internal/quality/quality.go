// Package quality 画像の鮮鋭度・明るさ・コントラスト・ノイズを数値化する
package quality

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// 合否の閾値
const (
	MinSharpness  = 50.0
	MinBrightness = 50.0
	MaxBrightness = 200.0
	MinContrast   = 20.0
	MaxNoise      = 10.0
)

// Metrics は画像の評価値
type Metrics struct {
	Sharpness  float64 // ラプラシアンの分散
	Brightness float64 // 輝度の平均
	Contrast   float64 // 輝度の標準偏差
	Noise      float64 // ぼかし画像との差の標準偏差
}

// Problems は閾値を外れた項目を返す
func (m Metrics) Problems() []string {
	var issues []string
	if m.Sharpness < MinSharpness {
		issues = append(issues, "low sharpness")
	}
	if m.Brightness < MinBrightness || m.Brightness > MaxBrightness {
		issues = append(issues, "poor brightness")
	}
	if m.Contrast < MinContrast {
		issues = append(issues, "low contrast")
	}
	if m.Noise > MaxNoise {
		issues = append(issues, "high noise")
	}
	return issues
}

// maxSide を超える画像は縮小してから評価する
const maxSide = 1280

// Analyze は画像を評価する
func Analyze(img image.Image) Metrics {
	b := img.Bounds()
	if b.Dx() > maxSide || b.Dy() > maxSide {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Box)
	}

	gray := luminance(imaging.Grayscale(img))
	blurred := luminance(imaging.Blur(imaging.Grayscale(img), 1.0))

	mean, std := meanStd(gray.pix)

	diff := make([]float64, len(gray.pix))
	for i := range gray.pix {
		diff[i] = gray.pix[i] - blurred.pix[i]
	}
	_, noise := meanStd(diff)

	return Metrics{
		Sharpness:  laplacianVariance(gray),
		Brightness: mean,
		Contrast:   std,
		Noise:      noise,
	}
}

// Brightness は輝度の平均だけを計算する
func Brightness(img image.Image) float64 {
	mean, _ := meanStd(luminance(imaging.Grayscale(img)).pix)
	return mean
}

type plane struct {
	w, h int
	pix  []float64
}

func luminance(img *image.NRGBA) plane {
	b := img.Bounds()
	p := plane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < p.w; x++ {
			// Grayscale済みなのでRだけを見ればよい
			p.pix[y*p.w+x] = float64(row[x*4])
		}
	}
	return p
}

func laplacianVariance(p plane) float64 {
	if p.w < 3 || p.h < 3 {
		return 0
	}
	lap := make([]float64, 0, (p.w-2)*(p.h-2))
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			c := p.pix[y*p.w+x]
			v := p.pix[(y-1)*p.w+x] + p.pix[(y+1)*p.w+x] + p.pix[y*p.w+x-1] + p.pix[y*p.w+x+1] - 4*c
			lap = append(lap, v)
		}
	}
	_, std := meanStd(lap)
	return std * std
}

func meanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))

	var sq float64
	for _, x := range v {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(v)))
}
