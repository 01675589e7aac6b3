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

package fits

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
)

// Keys describing the data layout. Derived from the pixels on writing, never copied.
var structuralKeys = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "EXTEND": true, "XTENSION": true,
	"PCOUNT": true, "GCOUNT": true, "BZERO": true, "BSCALE": true, "END": true,
	"COMMENT": true, "HISTORY": true, "": true,
}

func isStructural(key string) bool {
	return structuralKeys[key] || (strings.HasPrefix(key, "NAXIS") && len(key) > 5)
}

// ReadMEFFile reads all two-dimensional image extensions of a FITS file. See ReadMEF.
func ReadMEFFile(fileName string) ([]*Image, error) {
	r, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	images, err := ReadMEF(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return images, nil
}

// ReadMEF reads all two-dimensional image HDUs, one per chip. Keys from the
// primary header are inherited by every extension unless overridden there.
// Integer data is scaled with BZERO and BSCALE.
func ReadMEF(r io.Reader) ([]*Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	primary := Header{}
	images := []*Image{}
	for i, hdu := range f.HDUs() {
		if hdu.Type() != fitsio.IMAGE_HDU {
			continue
		}
		hdr := hdu.Header()
		axes := hdr.Axes()
		if len(axes) != 2 {
			if i == 0 {
				primary = readHeader(hdr)
			}
			continue
		}
		img, ok := hdu.(fitsio.Image)
		if !ok {
			return nil, fmt.Errorf("HDU %d: not an image", i)
		}
		data, err := readPixels(img, hdr, axes[0]*axes[1])
		if err != nil {
			return nil, fmt.Errorf("HDU %d: %w", i, err)
		}
		if name := hdu.Name(); len(images) > 0 && name != "" && name == images[len(images)-1].ID+"BPM" {
			prev := images[len(images)-1]
			if int32(len(data)) != prev.Pixels {
				return nil, fmt.Errorf("HDU %d: mask size differs from image %s", i, prev.ID)
			}
			prev.Mask = make([]uint8, len(data))
			for j, v := range data {
				prev.Mask[j] = uint8(v)
			}
			continue
		}
		h := primary.Clone()
		for k, v := range readHeader(hdr) {
			h[k] = v
		}
		images = append(images, &Image{
			ID:     hdu.Name(),
			Header: h,
			Naxisn: []int32{int32(axes[0]), int32(axes[1])},
			Pixels: int32(axes[0] * axes[1]),
			Data:   data,
		})
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no two-dimensional image data found")
	}
	return images, nil
}

func readHeader(hdr *fitsio.Header) Header {
	h := Header{}
	for _, k := range hdr.Keys() {
		if isStructural(k) {
			continue
		}
		c := hdr.Get(k)
		if c == nil {
			continue
		}
		switch v := c.Value.(type) {
		case int:
			h[k] = int64(v)
		case int64:
			h[k] = v
		case float64, string, bool:
			h[k] = v
		default:
			h[k] = fmt.Sprint(v)
		}
	}
	return h
}

func scaling(hdr *fitsio.Header) (bzero, bscale float64) {
	bzero, bscale = 0, 1
	if c := hdr.Get("BZERO"); c != nil {
		if v, ok := (Header{"BZERO": c.Value}).GetFloat("BZERO"); ok {
			bzero = v
		}
	}
	if c := hdr.Get("BSCALE"); c != nil {
		if v, ok := (Header{"BSCALE": c.Value}).GetFloat("BSCALE"); ok {
			bscale = v
		}
	}
	return bzero, bscale
}

func readPixels(img fitsio.Image, hdr *fitsio.Header, n int) ([]float32, error) {
	bzero, bscale := scaling(hdr)
	data := make([]float32, n)
	switch hdr.Bitpix() {
	case 8:
		raw := make([]uint8, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float32(bzero + bscale*float64(v))
		}
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float32(bzero + bscale*float64(v))
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float32(bzero + bscale*float64(v))
		}
	case 64:
		raw := make([]int64, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float32(bzero + bscale*float64(v))
		}
	case -32:
		if err := img.Read(&data); err != nil {
			return nil, err
		}
		if bzero != 0 || bscale != 1 {
			for i, v := range data {
				data[i] = float32(bzero + bscale*float64(v))
			}
		}
	case -64:
		raw := make([]float64, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float32(bzero + bscale*v)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}
	return data, nil
}

func toCards(h Header) []fitsio.Card {
	keys := make([]string, 0, len(h))
	for k := range h {
		if !isStructural(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	cards := make([]fitsio.Card, 0, len(keys))
	for _, k := range keys {
		var v interface{}
		switch t := h[k].(type) {
		case int64:
			v = int(t)
		case int32:
			v = int(t)
		case float32:
			v = float64(t)
		case int, float64, string, bool:
			v = t
		default:
			v = fmt.Sprint(t)
		}
		cards = append(cards, fitsio.Card{Name: k, Value: v})
	}
	return cards
}

// WriteMEFFile writes images as extensions of a new FITS file. See WriteMEF.
func WriteMEFFile(fileName string, primary Header, images []*Image) error {
	w, err := os.Create(fileName)
	if err != nil {
		return err
	}
	if err := WriteMEF(w, primary, images); err != nil {
		w.Close()
		return fmt.Errorf("%s: %w", fileName, err)
	}
	return w.Close()
}

// WriteMEF writes an empty primary HDU carrying the given header, followed by one
// float32 image extension per image. Images with a pixel mask get an additional
// 8-bit extension named <EXTNAME>BPM right after them.
func WriteMEF(w io.Writer, primary Header, images []*Image) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	phdu := fitsio.NewImage(8, nil)
	if err := phdu.Header().Append(toCards(primary)...); err != nil {
		return err
	}
	if err := f.Write(phdu); err != nil {
		return err
	}
	phdu.Close()

	for i, im := range images {
		name := im.ID
		if name == "" {
			name = fmt.Sprintf("SCI%d", i+1)
		}
		h := im.Header.Clone()
		h["EXTNAME"] = name
		if err := writeExtension(f, -32, im.Naxisn, h, im.Data); err != nil {
			return fmt.Errorf("extension %s: %w", name, err)
		}
		if im.Mask != nil {
			if err := writeExtension(f, 8, im.Naxisn, Header{"EXTNAME": name + "BPM"}, im.Mask); err != nil {
				return fmt.Errorf("mask extension %s: %w", name, err)
			}
		}
	}
	return nil
}

func writeExtension(f *fitsio.File, bitpix int, naxisn []int32, h Header, data interface{}) error {
	hdu := fitsio.NewImage(bitpix, []int{int(naxisn[0]), int(naxisn[1])})
	defer hdu.Close()
	if err := hdu.Header().Append(toCards(h)...); err != nil {
		return err
	}
	if err := hdu.Write(data); err != nil {
		return err
	}
	return f.Write(hdu)
}
