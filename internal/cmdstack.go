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
	"runtime/debug"
	"time"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Perform stacking command, building one master calibration for each
// instrument given, or for all registered instruments if none are. Writes
// each master to outPattern, formatted with instrument ID and type, if set.
// Instruments without enough eligible frames are reported and skipped.
func CmdBuild(ctx context.Context, env *Env, instrumentIDs []string, calType model.CalibrationType,
	from, to time.Time, outPattern string) ([]*model.MasterCalibration, error) {
	if len(instrumentIDs) == 0 {
		insts, err := env.Store.ListInstruments(ctx)
		if err != nil {
			return nil, err
		}
		for _, inst := range insts {
			instrumentIDs = append(instrumentIDs, inst.ID)
		}
	}
	bp := env.Config.BuilderParams()
	LogPrintf("Building %s masters for %d instruments from %s to %s with %s", calType, len(instrumentIDs),
		from.Format(time.RFC3339), to.Format(time.RFC3339), bp.String())

	var built []*model.MasterCalibration
	for _, id := range instrumentIDs {
		m, err := env.Builder.Build(ctx, calib.BuildRequest{InstrumentID: id, Type: calType, From: from, To: to})
		if err != nil {
			if errors.Is(err, model.ErrInsufficientCalibrationFrames) {
				LogPrintf("Skipping %s: %s", id, err)
				continue
			}
			return built, err
		}
		s := stats.CalcBasicStats(m.Image.Data, m.Image.Mask, fits.MaskInvalid)
		LogPrintf("Master %s for %s from %d frames: %v", m.ID, id, m.NumInputs, s)
		built = append(built, m)

		if outPattern != "" {
			outName := fmt.Sprintf(outPattern, id, calType)
			LogPrintf("Writing master to %s", outName)
			img := m.Image.Clone()
			img.ID = "SCI"
			primary := fits.Header{"OBSTYPE": calType.FrameType().String(), "L1ID": m.ID, "NCOMBINE": int64(m.NumInputs)}
			if err := fits.WriteMEFFile(outName, primary, []*fits.Image{img}); err != nil {
				return built, fmt.Errorf("writing file: %w", err)
			}
		}

		// Free memory
		debug.FreeOSMemory()
	}
	return built, nil
}
