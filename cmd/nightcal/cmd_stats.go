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

var statsCmd = &cobra.Command{
	Use:   "stats <file.fits>...",
	Short: "Show per-extension statistics of FITS files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileNames, err := internal.GlobFilenameWildcards(args)
		if err != nil {
			return err
		}
		if len(fileNames) == 0 {
			return fmt.Errorf("no files match %v", args)
		}
		return internal.CmdStats(fileNames, cmd.OutOrStdout())
	},
}
