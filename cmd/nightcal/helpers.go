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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mlnoga/nightcal/internal"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/quality"
)

func openEnv(cmd *cobra.Command) (*internal.Env, error) {
	return internal.OpenEnv(cmd.Context(), configPath)
}

// parseTime accepts RFC3339 timestamps and plain dates in UTC
func parseTime(flag, s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: cannot parse time %q", flag, s)
}

// parseWindow parses an inclusive time window from two flags
func parseWindow(fromFlag, from, toFlag, to string) (time.Time, time.Time, error) {
	f, err := parseTime(fromFlag, from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	t, err := parseTime(toFlag, to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if t.Before(f) {
		return time.Time{}, time.Time{}, fmt.Errorf("--%s %s is before --%s %s", toFlag, to, fromFlag, from)
	}
	return f, t, nil
}

func parseCalType(s string) (model.CalibrationType, error) {
	if s == "" {
		return 0, nil
	}
	return model.ParseCalibrationType(s)
}

func addCheckFlags(f *pflag.FlagSet, p *quality.CheckParams) {
	f.Float64Var(&p.MaxInvalidFraction, "max-invalid", 0.05, "Mark BAD above this fraction of invalid pixels, 0 to skip")
	f.Float32Var(&p.MinMedian, "min-median", 0, "Mark BAD below this median, 0 to skip")
	f.Float32Var(&p.MaxMedian, "max-median", 0, "Mark BAD above this median, 0 to skip")
}
