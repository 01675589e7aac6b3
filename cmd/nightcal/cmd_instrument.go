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
	"github.com/mlnoga/nightcal/internal/model"
)

var instrumentAddFlags model.Instrument

var instrumentCmd = &cobra.Command{
	Use:   "instrument",
	Short: "Manage registered instruments",
}

var instrumentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an instrument",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()
		inst := instrumentAddFlags
		return internal.CmdInstrumentAdd(cmd.Context(), env, &inst)
	},
}

var instrumentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instruments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()
		return internal.CmdInstrumentList(cmd.Context(), env, cmd.OutOrStdout())
	},
}

func init() {
	f := instrumentAddCmd.Flags()
	f.StringVar(&instrumentAddFlags.ID, "id", "", "Instrument ID, default a new UUID")
	f.StringVar(&instrumentAddFlags.Site, "site", "", "Site code, as in the SITEID header (required)")
	f.StringVar(&instrumentAddFlags.Camera, "camera", "", "Camera name, as in the INSTRUME header (required)")
	f.StringVar(&instrumentAddFlags.Type, "camera-type", "", "Camera type")
	_ = instrumentAddCmd.MarkFlagRequired("site")
	_ = instrumentAddCmd.MarkFlagRequired("camera")

	instrumentCmd.AddCommand(instrumentAddCmd)
	instrumentCmd.AddCommand(instrumentListCmd)
}
