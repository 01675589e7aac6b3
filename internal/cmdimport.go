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

package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Parameters for importing an externally built master calibration
type ImportRequest struct {
	FileName     string
	InstrumentID string
	Type         model.CalibrationType
	ValidFrom    time.Time
	ValidTo      time.Time
}

// Perform import command, adding the first image extension of a FITS file to
// the catalog as master calibration. Degenerate masters are imported with a warning.
func CmdImport(ctx context.Context, env *Env, req ImportRequest) (*model.MasterCalibration, error) {
	if req.ValidTo.Before(req.ValidFrom) {
		return nil, fmt.Errorf("validity window ends %s before it starts %s",
			req.ValidTo.Format(time.RFC3339), req.ValidFrom.Format(time.RFC3339))
	}
	if _, err := env.Store.GetInstrument(ctx, req.InstrumentID); err != nil {
		return nil, err
	}
	images, err := fits.ReadMEFFile(req.FileName)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, errors.New(req.FileName + ": no image extension")
	}
	return importMaster(ctx, env, req, images[0])
}

func importMaster(ctx context.Context, env *Env, req ImportRequest, img *fits.Image) (*model.MasterCalibration, error) {
	if err := img.CheckFinite(); err != nil {
		return nil, fmt.Errorf("%s: %w", req.FileName, err)
	}
	s := stats.CalcBasicStats(img.Data, img.Mask, fits.MaskInvalid)
	LogPrintf("Master %s %s stats: %v", req.Type, req.FileName, s)
	switch req.Type {
	case model.CalBias:
		if s.StdDev < 1e-8 {
			LogPrintf("Warning: bias file may be degenerate")
		}
	case model.CalFlat:
		if (s.Min <= 0 && s.Max >= 0) || s.StdDev < 1e-8 {
			LogPrintf("Warning: flat file may be degenerate")
		}
	}

	n, _ := img.Header.GetFloat("NCOMBINE")
	m := &model.MasterCalibration{
		ID:           model.NewID(),
		InstrumentID: req.InstrumentID,
		Type:         req.Type,
		ValidFrom:    req.ValidFrom.UTC(),
		ValidTo:      req.ValidTo.UTC(),
		DateObs:      req.ValidFrom.UTC().Add(req.ValidTo.Sub(req.ValidFrom) / 2),
		NumInputs:    int(n),
		Image:        img,
		CreatedAt:    time.Now().UTC(),
	}
	img.ID = m.ID
	if err := env.Store.InsertMasterCalibration(ctx, m); err != nil {
		return nil, err
	}
	LogPrintf("Imported %s", m.String())
	return m, nil
}
