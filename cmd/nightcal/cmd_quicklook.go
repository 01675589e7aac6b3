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
	"github.com/mlnoga/nightcal/internal/quicklook"
)

var quicklookFlags struct {
	out    string
	params quicklook.Params
}

var quicklookCmd = &cobra.Command{
	Use:   "quicklook [flags] <frame-or-master-id>",
	Short: "Render a reduced frame or master calibration as PNG preview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()
		return internal.CmdQuicklook(cmd.Context(), env, args[0], quicklookFlags.out, quicklookFlags.params)
	},
}

func init() {
	d := quicklook.DefaultParams()
	p := &quicklookFlags.params
	f := quicklookCmd.Flags()
	f.StringVarP(&quicklookFlags.out, "out", "o", "quicklook.png", "Output PNG file")
	f.Float32Var(&p.BlackSigma, "black", d.BlackSigma, "Black point in robust sigmas below the median")
	f.Float32Var(&p.WhiteSigma, "white", d.WhiteSigma, "White point in robust sigmas above the median")
	f.Float32Var(&p.Midtone, "midtone", d.Midtone, "Midtone transfer balance, 0.5 for linear")
	f.Float32Var(&p.Gamma, "gamma", d.Gamma, "Gamma applied after the midtone transfer")
	f.Float32Var(&p.Overlay, "overlay", d.Overlay, "Opacity of the pixel mask overlay, 0 for none")
	f.IntVar(&p.Bin, "bin", d.Bin, "Bin NxN pixels into one")
}
