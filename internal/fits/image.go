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

// Package fits holds the in-memory image representation used throughout the
// pipeline, and reads and writes multi-extension FITS files.
package fits

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sentinel value for pixels which carry no usable data. Finite, so that
// downstream arithmetic never produces infinities or NaNs from it.
const InvalidPixel float32 = -1e30

// Reasons for marking a pixel, stored as bits in Image.Mask
const (
	MaskBadPixel    uint8 = 1 // static detector defect
	MaskInvalidFlat uint8 = 2 // flat field value near zero
	MaskUnfilled    uint8 = 4 // no valid neighbours to interpolate from
	MaskCosmicRay   uint8 = 8 // cosmic ray hit, value interpolated
)

// Bits which make a pixel unusable. Cosmic ray pixels carry an interpolated value.
const MaskInvalid = MaskBadPixel | MaskInvalidFlat | MaskUnfilled

// Header keys and values. Values are string, bool, int64 or float64.
type Header map[string]interface{}

// GetString returns the header value for key as a string, and whether it was present
func (h Header) GetString(key string) (string, bool) {
	v, ok := h[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	default:
		return fmt.Sprint(t), true
	}
}

// GetFloat returns the header value for key as a float, and whether it was present and numeric
func (h Header) GetFloat(key string) (float64, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func (h Header) Clone() Header {
	c := make(Header, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

// A two-dimensional image with float32 pixels in row-major order
type Image struct {
	ID     string
	Header Header
	Naxisn []int32
	Pixels int32
	Data   []float32
	Mask   []uint8 // one entry per pixel, nil if no pixel is flagged
}

// NewImage allocates a zeroed image of the given size
func NewImage(width, height int32) *Image {
	return &Image{
		Header: Header{},
		Naxisn: []int32{width, height},
		Pixels: width * height,
		Data:   make([]float32, width*height),
	}
}

// NewImageFromData wraps existing pixel data, which must hold width*height values
func NewImageFromData(width, height int32, data []float32) (*Image, error) {
	if int64(len(data)) != int64(width)*int64(height) {
		return nil, fmt.Errorf("data length %d does not match %dx%d", len(data), width, height)
	}
	return &Image{Header: Header{}, Naxisn: []int32{width, height}, Pixels: width * height, Data: data}, nil
}

func (f *Image) Width() int32  { return f.Naxisn[0] }
func (f *Image) Height() int32 { return f.Naxisn[1] }

// SameSize reports whether both images have identical dimensions
func (f *Image) SameSize(o *Image) bool {
	return EqualInt32Slice(f.Naxisn, o.Naxisn)
}

// Valid reports whether pixel i carries usable data
func (f *Image) Valid(i int) bool {
	return f.Mask == nil || f.Mask[i]&MaskInvalid == 0
}

// Flag sets mask bits for pixel i without touching its value
func (f *Image) Flag(i int, bits uint8) {
	if f.Mask == nil {
		f.Mask = make([]uint8, len(f.Data))
	}
	f.Mask[i] |= bits
}

// Invalidate marks pixel i unusable for the given reason and sets its value to the sentinel
func (f *Image) Invalidate(i int, reason uint8) {
	f.Flag(i, reason)
	f.Data[i] = InvalidPixel
}

// CountMasked returns the number of pixels with any of the given mask bits set
func (f *Image) CountMasked(bits uint8) int {
	if f.Mask == nil {
		return 0
	}
	n := 0
	for _, m := range f.Mask {
		if m&bits != 0 {
			n++
		}
	}
	return n
}

// Clone returns a deep copy
func (f *Image) Clone() *Image {
	c := &Image{
		ID:     f.ID,
		Header: f.Header.Clone(),
		Naxisn: append([]int32(nil), f.Naxisn...),
		Pixels: f.Pixels,
		Data:   append([]float32(nil), f.Data...),
	}
	if f.Mask != nil {
		c.Mask = append([]uint8(nil), f.Mask...)
	}
	return c
}

// Crop returns a new image holding the given region
func (f *Image) Crop(r Region) (*Image, error) {
	if r.X0 < 0 || r.Y0 < 0 || r.X1 > f.Naxisn[0] || r.Y1 > f.Naxisn[1] || r.X0 >= r.X1 || r.Y0 >= r.Y1 {
		return nil, fmt.Errorf("region %s outside image of size %dx%d", r, f.Naxisn[0], f.Naxisn[1])
	}
	w, h := r.X1-r.X0, r.Y1-r.Y0
	c := NewImage(w, h)
	c.ID, c.Header = f.ID, f.Header.Clone()
	if f.Mask != nil {
		c.Mask = make([]uint8, w*h)
	}
	width := f.Naxisn[0]
	for y := int32(0); y < h; y++ {
		src := (r.Y0+y)*width + r.X0
		copy(c.Data[y*w:(y+1)*w], f.Data[src:src+w])
		if f.Mask != nil {
			copy(c.Mask[y*w:(y+1)*w], f.Mask[src:src+w])
		}
	}
	return c, nil
}

// Values returns the pixel values within the region, skipping invalid pixels
func (f *Image) Values(r Region) []float32 {
	width := f.Naxisn[0]
	vals := make([]float32, 0, (r.X1-r.X0)*(r.Y1-r.Y0))
	for y := r.Y0; y < r.Y1; y++ {
		for x := r.X0; x < r.X1; x++ {
			i := int(y*width + x)
			if f.Valid(i) {
				vals = append(vals, f.Data[i])
			}
		}
	}
	return vals
}

// CheckFinite returns an error if any pixel is NaN or infinite
func (f *Image) CheckFinite() error {
	for i, v := range f.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("pixel %d is not finite: %g", i, v)
		}
	}
	return nil
}

// EqualInt32Slice compares two int32 slices for equality
func EqualInt32Slice(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
