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
	"testing"
	"time"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
)

func TestExposureFromImages(t *testing.T) {
	a, b := fits.NewImage(2, 2), fits.NewImage(2, 2)
	for _, img := range []*fits.Image{a, b} {
		img.Header["OBSTYPE"] = "EXPOSE"
		img.Header["DATE-OBS"] = "2022-02-02T03:04:05.500"
	}
	b.Header["CCDNUM"] = int64(7)

	exp, err := ExposureFromImages("lsc-fa01-20220202-0042", []*fits.Image{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(exp.Chips) != 2 {
		t.Fatalf("%d chips", len(exp.Chips))
	}
	want := time.Date(2022, 2, 2, 3, 4, 5, 500e6, time.UTC)
	for _, c := range exp.Chips {
		if c.FrameType != model.FrameScience || !c.DateObs.Equal(want) || c.ExposureID != exp.ID {
			t.Errorf("chip %+v", c)
		}
	}
	if exp.Chips[0].Chip != 0 || exp.Chips[1].Chip != 7 || exp.Chips[1].ID != "lsc-fa01-20220202-0042-20220202T030405.500-07" {
		t.Errorf("chips %d %d %s", exp.Chips[0].Chip, exp.Chips[1].Chip, exp.Chips[1].ID)
	}
}

func TestExposureFromImagesRejectsIncompleteHeaders(t *testing.T) {
	noType := fits.NewImage(2, 2)
	noType.Header["DATE-OBS"] = "2022-02-02"
	noDate := fits.NewImage(2, 2)
	noDate.Header["OBSTYPE"] = "BIAS"
	badDate := fits.NewImage(2, 2)
	badDate.Header["OBSTYPE"] = "BIAS"
	badDate.Header["DATE-OBS"] = "yesterday"
	for name, img := range map[string]*fits.Image{"type": noType, "date": noDate, "bad date": badDate} {
		if _, err := ExposureFromImages("e", []*fits.Image{img}); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}

func TestRawFrameIDsSeparateSameBasename(t *testing.T) {
	first, second := fits.NewImage(2, 2), fits.NewImage(2, 2)
	first.Header["OBSTYPE"], second.Header["OBSTYPE"] = "BIAS", "BIAS"
	first.Header["DATE-OBS"] = "2022-02-02T03:04:05"
	second.Header["DATE-OBS"] = "2023-05-06T01:02:03"

	id := ExposureIDFromFile("/data/night1/lsc-fa01-bias-e00.fits")
	if other := ExposureIDFromFile("/data/night2/lsc-fa01-bias-e00.fits"); other != id {
		t.Fatalf("exposure IDs %q and %q differ", id, other)
	}
	a, err := ExposureFromImages(id, []*fits.Image{first})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ExposureFromImages(id, []*fits.Image{second})
	if err != nil {
		t.Fatal(err)
	}
	if a.Chips[0].ID == b.Chips[0].ID {
		t.Errorf("both exposures got raw frame ID %q", a.Chips[0].ID)
	}
	if a.Chips[0].ID != "lsc-fa01-bias-e00-20220202T030405.000-00" {
		t.Errorf("raw frame ID %q", a.Chips[0].ID)
	}
}

func TestExposureIDFromFile(t *testing.T) {
	for in, want := range map[string]string{
		"/data/raw/lsc1m005-fa15-20220202-0042-e00.fits.fz": "lsc1m005-fa15-20220202-0042-e00",
		"bias.fits": "bias",
		"flat.fit":  "flat",
	} {
		if got := ExposureIDFromFile(in); got != want {
			t.Errorf("ExposureIDFromFile(%q) = %q, want %q", in, got, want)
		}
	}
}
