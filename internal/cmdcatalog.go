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
	"text/tabwriter"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/mlnoga/nightcal/internal/store"
)

// One master calibration as listed by the catalog command
type CatalogRow struct {
	ID         string `csv:"id"`
	Instrument string `csv:"instrument"`
	Type       string `csv:"type"`
	ValidFrom  string `csv:"valid_from"`
	ValidTo    string `csv:"valid_to"`
	DateObs    string `csv:"date_obs"`
	Inputs     int    `csv:"inputs"`
	Width      int32  `csv:"width"`
	Height     int32  `csv:"height"`
	Created    string `csv:"created"`
}

// Perform catalog command, listing the master calibrations matching q
// as aligned text or as CSV
func CmdCatalog(ctx context.Context, env *Env, q store.CalibrationQuery, asCSV bool, w io.Writer) error {
	masters, err := env.Store.ListMasterCalibrations(ctx, q)
	if err != nil {
		return err
	}
	rows := make([]CatalogRow, len(masters))
	for i, m := range masters {
		rows[i] = CatalogRow{
			ID:         m.ID,
			Instrument: m.InstrumentID,
			Type:       m.Type.String(),
			ValidFrom:  m.ValidFrom.UTC().Format(time.RFC3339),
			ValidTo:    m.ValidTo.UTC().Format(time.RFC3339),
			DateObs:    m.DateObs.UTC().Format(time.RFC3339),
			Inputs:     m.NumInputs,
			Created:    m.CreatedAt.UTC().Format(time.RFC3339),
		}
		if m.Image != nil {
			rows[i].Width, rows[i].Height = m.Image.Width(), m.Image.Height()
		}
	}

	if asCSV {
		b, err := csvutil.Marshal(rows)
		if err != nil {
			return fmt.Errorf("encode catalog: %w", err)
		}
		_, err = w.Write(b)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINSTRUMENT\tTYPE\tVALID FROM\tVALID TO\tINPUTS\tSIZE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%dx%d\n",
			r.ID, r.Instrument, r.Type, r.ValidFrom, r.ValidTo, r.Inputs, r.Width, r.Height)
	}
	return tw.Flush()
}
