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

package reduce

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
)

// Layouts accepted for DATE-OBS, most specific first
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDateObs(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable DATE-OBS %q", s)
}

const rawIDDate = "20060102T150405.000"

// RawFrameID names one chip of an exposure observed at dateObs
func RawFrameID(exposureID string, dateObs time.Time, chip int) string {
	return fmt.Sprintf("%s-%s-%02d", exposureID, dateObs.UTC().Format(rawIDDate), chip)
}

// ExposureFromImages turns the image extensions of one multi-extension FITS
// file into an exposure. Frame type and observation date come from the
// OBSTYPE and DATE-OBS headers, the chip number from CCDNUM if present,
// else from the extension order. Instruments are left for the pipeline to
// resolve from SITEID and INSTRUME. Raw frame IDs combine exposure ID,
// observation date and chip, so files sharing a basename stay apart.
func ExposureFromImages(exposureID string, images []*fits.Image) (Exposure, error) {
	exp := Exposure{ID: exposureID}
	for i, img := range images {
		obstype, _ := img.Header.GetString("OBSTYPE")
		ft, err := model.ParseFrameType(obstype)
		if err != nil {
			return exp, fmt.Errorf("extension %d: %w", i, err)
		}
		ds, ok := img.Header.GetString("DATE-OBS")
		if !ok {
			return exp, fmt.Errorf("extension %d: no DATE-OBS", i)
		}
		date, err := parseDateObs(ds)
		if err != nil {
			return exp, fmt.Errorf("extension %d: %w", i, err)
		}
		chip := i
		if n, ok := img.Header.GetFloat("CCDNUM"); ok {
			chip = int(n)
		}
		exp.Chips = append(exp.Chips, &model.RawFrame{
			ID:         RawFrameID(exposureID, date, chip),
			ExposureID: exposureID,
			Chip:       chip,
			DateObs:    date,
			FrameType:  ft,
			Image:      img,
		})
	}
	return exp, nil
}

// ExposureIDFromFile derives an exposure ID from a file name, stripping
// directories and FITS extensions
func ExposureIDFromFile(fileName string) string {
	base := filepath.Base(fileName)
	for _, ext := range []string{".fz", ".gz", ".fits", ".fit", ".fts"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
