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
	"io"
	"text/tabwriter"

	"github.com/mlnoga/nightcal/internal/model"
)

// Register an instrument. A new ID is assigned if inst.ID is empty.
func CmdInstrumentAdd(ctx context.Context, env *Env, inst *model.Instrument) error {
	if inst.Site == "" || inst.Camera == "" {
		return errors.New("instrument needs site and camera")
	}
	if inst.ID == "" {
		inst.ID = model.NewID()
	}
	if err := env.Store.AddInstrument(ctx, inst); err != nil {
		return err
	}
	LogPrintf("Added instrument %s %s", inst.ID, inst.String())
	return nil
}

// List registered instruments as aligned text
func CmdInstrumentList(ctx context.Context, env *Env, w io.Writer) error {
	insts, err := env.Store.ListInstruments(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSITE\tCAMERA\tTYPE")
	for _, i := range insts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", i.ID, i.Site, i.Camera, i.Type)
	}
	return tw.Flush()
}
