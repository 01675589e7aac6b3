// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package quicklook renders reduced frames as 8-bit previews for operators,
// with a stretched tone curve and the pixel mask painted over the image.
package quicklook

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Tone curve and overlay parameters for previews
type Params struct {
	BlackSigma float32 // black point this many robust sigmas below the median
	WhiteSigma float32 // white point this many robust sigmas above the median
	Midtone    float32 // midtone transfer balance in (0,1), 0 or 0.5 to skip
	Gamma      float32
	Overlay    float32 // opacity of the mask colours, 0 for no overlay
	Bin        int     // bin NxN pixels into one, 1 for full resolution
}

func DefaultParams() Params {
	return Params{BlackSigma: 2, WhiteSigma: 10, Midtone: 0.25, Gamma: 1, Overlay: 0.6, Bin: 1}
}

func (p *Params) String() string {
	return fmt.Sprintf("blackSigma %.2f whiteSigma %.2f midtone %.2f gamma %.2f overlay %.2f bin %d",
		p.BlackSigma, p.WhiteSigma, p.Midtone, p.Gamma, p.Overlay, p.Bin)
}

// Overlay colour per mask bit, in order of precedence
var palette = []struct {
	bit uint8
	col colorful.Color
}{
	{fits.MaskBadPixel, colorful.Color{R: 1, G: 0, B: 0}},
	{fits.MaskInvalidFlat, colorful.Color{R: 1, G: 0.55, B: 0}},
	{fits.MaskUnfilled, colorful.Color{R: 0.8, G: 0, B: 0.8}},
	{fits.MaskCosmicRay, colorful.Color{R: 0, G: 0.8, B: 1}},
}

func maskColor(m uint8) (colorful.Color, bool) {
	for _, e := range palette {
		if m&e.bit != 0 {
			return e.col, true
		}
	}
	return colorful.Color{}, false
}

// Render stretches the valid pixels of img between black and white points
// derived from their median and MAD, applies the midtone and gamma curves and
// blends the mask colours on top. Invalid pixels without overlay render black.
func Render(img *fits.Image, p Params) (*image.RGBA, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("empty image")
	}
	if p.Bin < 1 {
		p.Bin = 1
	}
	if p.Gamma <= 0 {
		p.Gamma = 1
	}
	data, mask, w, h := bin(img, p.Bin)

	median, n := stats.MedianValid(data, mask, fits.MaskInvalid)
	if n == 0 {
		return nil, errors.New("image holds no valid pixels")
	}
	valid := make([]float32, 0, n)
	for i, v := range data {
		if mask == nil || mask[i]&fits.MaskInvalid == 0 {
			valid = append(valid, v)
		}
	}
	scale := 1.4826 * stats.MAD(valid, median, make([]float32, 0, n))
	if scale == 0 {
		scale = stats.CalcBasicStats(valid, nil, 0).StdDev
	}
	black, white := median-p.BlackSigma*scale, median+p.WhiteSigma*scale
	if white <= black {
		white = black + 1
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			var m uint8
			if mask != nil {
				m = mask[i]
			}
			var c colorful.Color
			if m&fits.MaskInvalid == 0 {
				v := tone((data[i]-black)/(white-black), p)
				c = colorful.Color{R: v, G: v, B: v}
			}
			if mc, ok := maskColor(m); ok && p.Overlay > 0 {
				c = c.BlendRgb(mc, float64(p.Overlay))
			}
			r, g, b := c.Clamped().RGB255()
			out.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out, nil
}

// tone maps a linear value in [0,1] through the midtone transfer function and gamma
func tone(v float32, p Params) float64 {
	x := math.Max(0, math.Min(1, float64(v)))
	if m := float64(p.Midtone); m > 0 && m < 1 && m != 0.5 && x > 0 && x < 1 {
		x = (m - 1) * x / ((2*m-1)*x - m)
	}
	if p.Gamma != 1 {
		x = math.Pow(x, 1/float64(p.Gamma))
	}
	return x
}

// bin averages the valid pixels of each NxN block and ORs their mask bits. A
// block keeps its invalid bits only if none of its pixels is valid.
func bin(img *fits.Image, n int) (data []float32, mask []uint8, w, h int) {
	iw, ih := int(img.Width()), int(img.Height())
	if n == 1 {
		return img.Data, img.Mask, iw, ih
	}
	w, h = (iw+n-1)/n, (ih+n-1)/n
	data, mask = make([]float32, w*h), make([]uint8, w*h)
	for by := 0; by < h; by++ {
		for bx := 0; bx < w; bx++ {
			var sum float32
			var cnt int
			var bits uint8
			for y := by * n; y < (by+1)*n && y < ih; y++ {
				for x := bx * n; x < (bx+1)*n && x < iw; x++ {
					i := y*iw + x
					if img.Mask != nil {
						bits |= img.Mask[i]
					}
					if img.Valid(i) {
						sum += img.Data[i]
						cnt++
					}
				}
			}
			j := by*w + bx
			if cnt > 0 {
				data[j] = sum / float32(cnt)
				bits &^= fits.MaskInvalid
			} else {
				data[j] = fits.InvalidPixel
			}
			mask[j] = bits
		}
	}
	return data, mask, w, h
}

// WritePNG renders img and encodes it as PNG
func WritePNG(w io.Writer, img *fits.Image, p Params) error {
	rgba, err := Render(img, p)
	if err != nil {
		return err
	}
	return png.Encode(w, rgba)
}

func WritePNGFile(fileName string, img *fits.Image, p Params) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	if err := WritePNG(f, img, p); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", fileName, err)
	}
	return f.Close()
}
