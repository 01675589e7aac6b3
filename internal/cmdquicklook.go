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

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/quicklook"
)

// Perform quicklook command, rendering a reduced frame or master calibration
// with the given ID as PNG preview
func CmdQuicklook(ctx context.Context, env *Env, id, outName string, p quicklook.Params) error {
	var img *fits.Image
	f, err := env.Store.GetReducedFrame(ctx, id)
	switch {
	case err == nil:
		img = f.Image
	case errors.Is(err, model.ErrNotFound):
		m, err := env.Store.GetMasterCalibration(ctx, id)
		if err != nil {
			return err
		}
		img = m.Image
	default:
		return err
	}

	LogPrintf("Writing %dx%d preview of %s to %s with %s", img.Width(), img.Height(), id, outName, p.String())
	return quicklook.WritePNGFile(outName, img, p)
}
