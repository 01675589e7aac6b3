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

var buildFlags struct {
	instruments []string
	calType     string
	from        string
	to          string
	out         string
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Stack verified calibration frames into master calibrations",
	Long: `Builds one master bias or flat per instrument from the GOOD reduced
calibration frames observed within the time window. Without --instrument,
masters are built for all registered instruments.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	f := buildCmd.Flags()
	f.StringSliceVarP(&buildFlags.instruments, "instrument", "i", nil, "Instrument IDs, default all")
	f.StringVarP(&buildFlags.calType, "type", "t", "", "Calibration type, bias or flat (required)")
	f.StringVar(&buildFlags.from, "from", "", "Start of the observation window, RFC3339 or date (required)")
	f.StringVar(&buildFlags.to, "to", "", "End of the observation window, inclusive (required)")
	f.StringVarP(&buildFlags.out, "out", "o", "", "Also write each master to this file, formatted with %s for instrument and type")

	_ = buildCmd.MarkFlagRequired("type")
	_ = buildCmd.MarkFlagRequired("from")
	_ = buildCmd.MarkFlagRequired("to")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	calType, err := parseCalType(buildFlags.calType)
	if err != nil {
		return err
	}
	from, to, err := parseWindow("from", buildFlags.from, "to", buildFlags.to)
	if err != nil {
		return err
	}
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	built, err := internal.CmdBuild(cmd.Context(), env, buildFlags.instruments, calType, from, to, buildFlags.out)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range built {
		fmt.Fprintln(out, m.String())
	}
	if len(built) == 0 {
		return fmt.Errorf("no %s master built", calType)
	}
	return nil
}
