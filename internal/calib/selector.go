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

// Package calib builds master calibration frames from verified reduced frames,
// and selects the best matching master for a given observation.
package calib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/store"
)

// Read side of the calibration catalog
type CatalogReader interface {
	ListMasterCalibrations(ctx context.Context, q store.CalibrationQuery) ([]*model.MasterCalibration, error)
}

// Selector picks master calibrations by instrument and time proximity
type Selector struct {
	catalog CatalogReader
}

func NewSelector(catalog CatalogReader) *Selector {
	return &Selector{catalog: catalog}
}

// better reports whether a beats b as a match for target t
func better(a, b *model.MasterCalibration, t time.Time) bool {
	da, db := a.Distance(t), b.Distance(t)
	if da != db {
		return da < db
	}
	if a.NumInputs != b.NumInputs {
		return a.NumInputs > b.NumInputs
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Select returns the master calibration of the given type for the instrument
// whose validity window is closest to at. A window containing at has distance
// zero, so it always beats one that merely lies near. Ties go to the master
// with more inputs, then the most recently built, then the smallest ID.
func (s *Selector) Select(ctx context.Context, instrumentID string, calType model.CalibrationType, at time.Time) (*model.MasterCalibration, error) {
	masters, err := s.catalog.ListMasterCalibrations(ctx, store.CalibrationQuery{InstrumentID: instrumentID, Type: calType})
	if err != nil {
		return nil, fmt.Errorf("list %s calibrations for %s: %w", calType, instrumentID, err)
	}
	var best *model.MasterCalibration
	for _, m := range masters {
		if best == nil || better(m, best, at) {
			best = m
		}
	}
	if best == nil {
		return nil, &model.Error{Kind: model.ErrNoCalibrationFound, Instrument: instrumentID, Date: at,
			Detail: "no master " + calType.String()}
	}
	return best, nil
}

// Masters selected for one chip. A nil entry means none was found, with the reason in the matching error.
type Selection struct {
	Bias, Flat       *model.MasterCalibration
	BiasErr, FlatErr error
}

// SelectAll resolves bias and flat for one observation. Lookup failures are
// reported per type rather than failing the whole call, so the caller can
// apply its missing-calibration policy. Catalog read errors are returned.
func (s *Selector) SelectAll(ctx context.Context, instrumentID string, at time.Time) (*Selection, error) {
	sel := &Selection{}
	for _, ct := range []model.CalibrationType{model.CalBias, model.CalFlat} {
		m, err := s.Select(ctx, instrumentID, ct, at)
		if err != nil && !errors.Is(err, model.ErrNoCalibrationFound) {
			return nil, err
		}
		switch ct {
		case model.CalBias:
			sel.Bias, sel.BiasErr = m, err
		case model.CalFlat:
			sel.Flat, sel.FlatErr = m, err
		}
	}
	return sel, nil
}
