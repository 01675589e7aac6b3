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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mlnoga/nightcal/internal"
)

var importFlags struct {
	instrument string
	calType    string
	from       string
	to         string
}

var importCmd = &cobra.Command{
	Use:   "import [flags] <master.fits>",
	Short: "Add an externally built master calibration to the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	f := importCmd.Flags()
	f.StringVarP(&importFlags.instrument, "instrument", "i", "", "Instrument ID (required)")
	f.StringVarP(&importFlags.calType, "type", "t", "", "Calibration type, bias or flat (required)")
	f.StringVar(&importFlags.from, "valid-from", "", "Start of the validity window (required)")
	f.StringVar(&importFlags.to, "valid-to", "", "End of the validity window, inclusive (required)")
	for _, name := range []string{"instrument", "type", "valid-from", "valid-to"} {
		_ = importCmd.MarkFlagRequired(name)
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	calType, err := parseCalType(importFlags.calType)
	if err != nil {
		return err
	}
	from, to, err := parseWindow("valid-from", importFlags.from, "valid-to", importFlags.to)
	if err != nil {
		return err
	}
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	m, err := internal.CmdImport(cmd.Context(), env, internal.ImportRequest{
		FileName: args[0], InstrumentID: importFlags.instrument, Type: calType, ValidFrom: from, ValidTo: to,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), m.String())
	return nil
}
