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
	"github.com/spf13/cobra"

	"github.com/mlnoga/nightcal/internal"
	"github.com/mlnoga/nightcal/internal/store"
)

var catalogFlags struct {
	instrument string
	calType    string
	csv        bool
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List master calibrations",
	Args:  cobra.NoArgs,
	RunE:  runCatalog,
}

func init() {
	f := catalogCmd.Flags()
	f.StringVarP(&catalogFlags.instrument, "instrument", "i", "", "Only masters of this instrument")
	f.StringVarP(&catalogFlags.calType, "type", "t", "", "Only masters of this type, bias or flat")
	f.BoolVar(&catalogFlags.csv, "csv", false, "Write CSV instead of aligned text")
}

func runCatalog(cmd *cobra.Command, _ []string) error {
	calType, err := parseCalType(catalogFlags.calType)
	if err != nil {
		return err
	}
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	q := store.CalibrationQuery{InstrumentID: catalogFlags.instrument, Type: calType}
	return internal.CmdCatalog(cmd.Context(), env, q, catalogFlags.csv, cmd.OutOrStdout())
}
