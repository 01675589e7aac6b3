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

package reduce

import (
	"context"
	"fmt"
	"sync"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
)

// Provides the static bad pixel mask of an instrument. Non-zero pixels of the
// returned image mark detector defects. Returns an error wrapping
// model.ErrNotFound if the instrument has no mask.
type MaskSource interface {
	BadPixelMask(ctx context.Context, inst *model.Instrument) (*fits.Image, error)
}

// Bad pixel masks held in memory, keyed by camera name
type StaticMasks map[string]*fits.Image

func (m StaticMasks) BadPixelMask(ctx context.Context, inst *model.Instrument) (*fits.Image, error) {
	if img, ok := m[inst.Camera]; ok {
		return img, nil
	}
	return nil, &model.Error{Kind: model.ErrNotFound, Instrument: inst.String(), Detail: "bad pixel mask"}
}

// Bad pixel masks read from FITS files, keyed by camera name. Each file is
// read once, on first use.
type FileMasks struct {
	paths map[string]string
	mu    sync.Mutex
	cache map[string]*fits.Image
}

func NewFileMasks(paths map[string]string) *FileMasks {
	return &FileMasks{paths: paths, cache: make(map[string]*fits.Image)}
}

func (m *FileMasks) BadPixelMask(ctx context.Context, inst *model.Instrument) (*fits.Image, error) {
	path, ok := m.paths[inst.Camera]
	if !ok {
		return nil, &model.Error{Kind: model.ErrNotFound, Instrument: inst.String(), Detail: "bad pixel mask"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if img, ok := m.cache[path]; ok {
		return img, nil
	}
	imgs, err := fits.ReadMEFFile(path)
	if err != nil {
		return nil, fmt.Errorf("bad pixel mask for %s: %w", inst, err)
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("bad pixel mask %s holds no image", path)
	}
	m.cache[path] = imgs[0]
	return imgs[0], nil
}
