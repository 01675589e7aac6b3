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
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"

	"github.com/jszwec/csvutil"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/quality"
	"github.com/mlnoga/nightcal/internal/reduce"
)

// Options of the reduce command
type ReduceOptions struct {
	Policy    reduce.Policy
	OutDir    string               // write reduced exposures as FITS here, if set
	AutoCheck *quality.CheckParams // mark reduced frames GOOD or BAD automatically, if set
}

// Perform reduction command on multi-extension FITS files, one exposure per
// file. Writes the per-chip manifest as CSV to manifest, if given. Returns
// the number of failed chips.
func CmdReduce(ctx context.Context, env *Env, fileNames []string, opts ReduceOptions, manifest io.Writer) (int, error) {
	exps := make([]reduce.Exposure, 0, len(fileNames))
	for _, fileName := range fileNames {
		images, err := fits.ReadMEFFile(fileName)
		if err != nil {
			return 0, err
		}
		exp, err := reduce.ExposureFromImages(reduce.ExposureIDFromFile(fileName), images)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", fileName, err)
		}
		exps = append(exps, exp)
	}
	return reduceExposures(ctx, env, exps, opts, manifest)
}

func reduceExposures(ctx context.Context, env *Env, exps []reduce.Exposure, opts ReduceOptions, manifest io.Writer) (int, error) {
	params := env.Config.PipelineParams()
	LogPrintf("Reducing %d exposures with %s and %s", len(exps), opts.Policy.String(), params.String())
	var rows []reduce.ManifestRow
	failed := 0
	for i, exp := range exps {
		m, err := env.Pipeline.ReduceExposure(ctx, exp, opts.Policy)
		if err != nil {
			return failed, err
		}
		LogPrintf("%s", m.String())
		for _, c := range m.Failed() {
			LogPrintf("%s chip %d: %s", m.ExposureID, c.Chip, c.Error)
		}
		failed += m.Count(reduce.ChipFailed)
		rows = append(rows, m.Rows()...)

		if opts.AutoCheck != nil {
			for _, c := range m.Chips {
				if c.Status != reduce.ChipReduced {
					continue
				}
				v, err := env.Gate.AutoCheck(ctx, c.ReducedFrameID, *opts.AutoCheck)
				if err != nil {
					return failed, fmt.Errorf("check %s: %w", c.ReducedFrameID, err)
				}
				LogPrintf("%s chip %d marked %s %s", m.ExposureID, c.Chip, v.Quality, v.Reason)
			}
		}
		if opts.OutDir != "" {
			if err := writeReduced(ctx, env, m, opts.OutDir); err != nil {
				return failed, err
			}
		}

		// Free memory of the raw exposure before the next one is reduced
		exps[i].Chips = nil
		debug.FreeOSMemory()
	}

	if manifest != nil {
		b, err := csvutil.Marshal(rows)
		if err != nil {
			return failed, fmt.Errorf("encode manifest: %w", err)
		}
		if _, err := manifest.Write(b); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// writeReduced writes the reduced chips of one exposure into a single FITS file
func writeReduced(ctx context.Context, env *Env, m *reduce.Manifest, dir string) error {
	var images []*fits.Image
	for _, c := range m.Chips {
		if c.ReducedFrameID == "" {
			continue
		}
		f, err := env.Store.GetReducedFrame(ctx, c.ReducedFrameID)
		if err != nil {
			return err
		}
		img := f.Image.Clone()
		img.ID = fmt.Sprintf("SCI%d", c.Chip)
		img.Header["L1IDRAW"] = f.RawFrameID
		img.Header["L1ID"] = f.ID
		images = append(images, img)
	}
	if len(images) == 0 {
		return nil
	}
	name := filepath.Join(dir, m.ExposureID+"-reduced.fits")
	LogPrintf("Writing %d reduced chips to %s", len(images), name)
	return fits.WriteMEFFile(name, fits.Header{"EXPID": m.ExposureID}, images)
}
