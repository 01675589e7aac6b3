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

// nightcal is the command line of the calibration engine: reduce, build, mark,
// serve, stats, catalog, instrument, quicklook and import.
//
// Usage:
//
//	nightcal instrument add --site lsc --camera fa01
//	nightcal reduce --auto-check raw/*.fits.fz
//	nightcal build --type bias --from 2022-03-04 --to 2022-03-05
//	nightcal mark --quality GOOD <frame-id>...
//	nightcal serve --port 8080
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mlnoga/nightcal/internal"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nightcal",
	Short: "Calibration and reduction engine for multi-chip telescope exposures",
	Long: "nightcal builds master bias and flat calibrations from verified frames,\n" +
		"reduces raw multi-chip exposures against the best matching masters,\n" +
		"and gates reduced frames through a GOOD/BAD quality verdict.",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.AddCommand(reduceCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(instrumentCmd)
	rootCmd.AddCommand(quicklookCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.Version = version
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		internal.LogFatalf("%v", err)
	}
}
