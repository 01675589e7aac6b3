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
	"github.com/mlnoga/nightcal/internal/quality"
)

var markFlags struct {
	quality string
	check   quality.CheckParams
}

var markCmd = &cobra.Command{
	Use:   "mark [flags] [frame-id]...",
	Short: "Mark reduced frames GOOD or BAD",
	Long: `Sets the quality verdict of reduced frames. A verdict, once set, cannot be
changed. With --quality auto, frames are judged by the automated check, and all
unverified frames are checked if no frame IDs are given.`,
	RunE: runMark,
}

func init() {
	f := markCmd.Flags()
	f.StringVarP(&markFlags.quality, "quality", "q", "", "GOOD, BAD or auto (required)")
	addCheckFlags(f, &markFlags.check)
	_ = markCmd.MarkFlagRequired("quality")
}

func runMark(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	_, err = internal.CmdMark(cmd.Context(), env, args, markFlags.quality, markFlags.check)
	return err
}
