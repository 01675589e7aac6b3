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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mlnoga/nightcal/internal"
	"github.com/mlnoga/nightcal/internal/quality"
)

var reduceFlags struct {
	outDir       string
	manifest     string
	allowMissing bool
	badPixelMask bool
	cosmicRays   bool
	gain         bool
	force        bool
	autoCheck    bool
	check        quality.CheckParams
}

var reduceCmd = &cobra.Command{
	Use:   "reduce [flags] <exposure.fits>...",
	Short: "Reduce raw multi-chip exposures against the best matching masters",
	Long: `Reduces each multi-extension FITS file as one exposure, one image extension
per chip. Chips fail independently; the command exits non-zero if any chip failed.
Policy flags override the pipeline section of the configuration when given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReduce,
}

func init() {
	f := reduceCmd.Flags()
	f.StringVarP(&reduceFlags.outDir, "out-dir", "o", "", "Write reduced exposures as FITS into this directory")
	f.StringVar(&reduceFlags.manifest, "manifest", "-", "Write the per-chip manifest as CSV to this file, - for stdout, empty to skip")
	f.BoolVar(&reduceFlags.allowMissing, "allow-missing", false, "Skip stages whose calibration is missing instead of failing the chip")
	f.BoolVar(&reduceFlags.badPixelMask, "bad-pixel-mask", false, "Apply the static bad pixel mask of the instrument")
	f.BoolVar(&reduceFlags.cosmicRays, "cosmic-rays", false, "Detect and interpolate cosmic ray hits")
	f.BoolVar(&reduceFlags.gain, "gain", false, "Convert to electrons with the GAIN header")
	f.BoolVar(&reduceFlags.force, "force", false, "Reduce again even if identical input was reduced before")
	f.BoolVar(&reduceFlags.autoCheck, "auto-check", false, "Mark reduced frames GOOD or BAD with the automated check")
	addCheckFlags(f, &reduceFlags.check)
}

func runReduce(cmd *cobra.Command, args []string) error {
	fileNames, err := internal.GlobFilenameWildcards(args)
	if err != nil {
		return err
	}
	if len(fileNames) == 0 {
		return fmt.Errorf("no files match %v", args)
	}
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	policy := env.Config.Policy()
	f := cmd.Flags()
	if f.Changed("allow-missing") {
		policy.AllowMissingCalibrations = reduceFlags.allowMissing
	}
	if f.Changed("bad-pixel-mask") {
		policy.ApplyBadPixelMask = reduceFlags.badPixelMask
	}
	if f.Changed("cosmic-rays") {
		policy.RunCosmicRayRejection = reduceFlags.cosmicRays
	}
	if f.Changed("gain") {
		policy.ApplyGain = reduceFlags.gain
	}
	policy.Force = reduceFlags.force

	opts := internal.ReduceOptions{Policy: policy, OutDir: reduceFlags.outDir}
	if reduceFlags.autoCheck {
		opts.AutoCheck = &reduceFlags.check
	}

	var manifest io.Writer
	switch reduceFlags.manifest {
	case "":
	case "-":
		manifest = cmd.OutOrStdout()
	default:
		w, err := os.Create(reduceFlags.manifest)
		if err != nil {
			return err
		}
		defer w.Close()
		manifest = w
	}

	failed, err := internal.CmdReduce(cmd.Context(), env, fileNames, opts, manifest)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d chips failed", failed)
	}
	return nil
}
