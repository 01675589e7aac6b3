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

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
)

// runs f against every Store implementation
func forEachStore(t *testing.T, f func(t *testing.T, s Store)) {
	t.Run("mem", func(t *testing.T) {
		s := NewMemStore()
		defer s.Close()
		f(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenMemory(context.Background())
		if err != nil {
			t.Fatalf("OpenMemory: %v", err)
		}
		defer s.Close()
		f(t, s)
	})
}

var t0 = time.Date(2021, 3, 4, 20, 0, 0, 0, time.UTC)

func testImage(v float32) *fits.Image {
	img := fits.NewImage(3, 2)
	for i := range img.Data {
		img.Data[i] = v + float32(i)
	}
	img.Header["OBSTYPE"] = "BIAS"
	return img
}

func testFrame(id, inst string, date time.Time) *model.ReducedFrame {
	return &model.ReducedFrame{
		ID: id, RawFrameID: "raw-" + id, ExposureID: "exp1", Chip: 2, InstrumentID: inst,
		DateObs: date, FrameType: model.FrameBias, Image: testImage(10),
		Provenance: model.Provenance{Stages: []model.StageRecord{{Stage: "overscan", Ran: true}}},
		QC:         map[string]float64{"median": 12.5},
		CreatedAt:  date.Add(time.Hour),
	}
}

func TestInstruments(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		inst := &model.Instrument{ID: "i1", Site: "lsc", Camera: "fa03", Type: "1m0-SciCam"}
		if err := s.AddInstrument(ctx, inst); err != nil {
			t.Fatal(err)
		}
		dup := &model.Instrument{ID: "i2", Site: "lsc", Camera: "fa03"}
		if err := s.AddInstrument(ctx, dup); !errors.Is(err, model.ErrDuplicateInstrument) {
			t.Errorf("duplicate site/camera: got %v", err)
		}
		got, err := s.FindInstrument(ctx, "lsc", "fa03")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(inst, got); diff != "" {
			t.Errorf("FindInstrument mismatch (-want +got):\n%s", diff)
		}
		if _, err := s.GetInstrument(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetInstrument of unknown id: got %v", err)
		}
		list, err := s.ListInstruments(ctx)
		if err != nil || len(list) != 1 {
			t.Errorf("ListInstruments = %v, %v", list, err)
		}
	})
}

func TestReducedFrameRoundTrip(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		f := testFrame("f1", "i1", t0)
		f.Image.Flag(4, fits.MaskBadPixel)
		if err := s.InsertReducedFrame(ctx, f, ""); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetReducedFrame(ctx, "f1")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(f.Image.Data, got.Image.Data); diff != "" {
			t.Errorf("pixels (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(f.Image.Mask, got.Image.Mask); diff != "" {
			t.Errorf("mask (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(f.Provenance, got.Provenance); diff != "" {
			t.Errorf("provenance (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(f.QC, got.QC); diff != "" {
			t.Errorf("qc (-want +got):\n%s", diff)
		}
		if !got.DateObs.Equal(f.DateObs) || got.Chip != 2 || got.FrameType != model.FrameBias {
			t.Errorf("metadata mismatch: %+v", got)
		}
		if v, _ := got.Image.Header.GetString("OBSTYPE"); v != "BIAS" {
			t.Errorf("header OBSTYPE = %q", v)
		}
	})
}

func TestListReducedFramesFilters(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		for i, id := range []string{"a", "b", "c"} {
			f := testFrame(id, "i1", t0.Add(time.Duration(i)*time.Hour))
			if err := s.InsertReducedFrame(ctx, f, ""); err != nil {
				t.Fatal(err)
			}
		}
		other := testFrame("d", "i2", t0)
		if err := s.InsertReducedFrame(ctx, other, ""); err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.CompareAndSetQuality(ctx, "b", model.QualityUnverified, model.QualityGood); err != nil {
			t.Fatal(err)
		}

		good := model.QualityGood
		tests := []struct {
			name string
			q    FrameQuery
			want []string
		}{
			{"instrument", FrameQuery{InstrumentID: "i1"}, []string{"a", "b", "c"}},
			{"quality", FrameQuery{InstrumentID: "i1", Quality: &good}, []string{"b"}},
			{"window", FrameQuery{From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)}, []string{"b", "c"}},
			{"type", FrameQuery{FrameType: model.FrameFlat}, []string{}},
			{"all", FrameQuery{}, []string{"a", "d", "b", "c"}},
		}
		for _, tc := range tests {
			fs, err := s.ListReducedFrames(ctx, tc.q)
			if err != nil {
				t.Fatal(err)
			}
			ids := []string{}
			for _, f := range fs {
				ids = append(ids, f.ID)
			}
			if diff := cmp.Diff(tc.want, ids); diff != "" {
				t.Errorf("%s (-want +got):\n%s", tc.name, diff)
			}
		}
	})
}

func TestSupersede(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		if err := s.InsertReducedFrame(ctx, testFrame("old", "i1", t0), ""); err != nil {
			t.Fatal(err)
		}
		if err := s.InsertReducedFrame(ctx, testFrame("new", "i1", t0), "old"); err != nil {
			t.Fatal(err)
		}
		fs, err := s.ListReducedFrames(ctx, FrameQuery{InstrumentID: "i1"})
		if err != nil || len(fs) != 1 || fs[0].ID != "new" {
			t.Fatalf("current frames = %v, %v", fs, err)
		}
		old, err := s.GetReducedFrame(ctx, "old")
		if err != nil || old.SupersededBy != "new" {
			t.Errorf("old frame superseded by %q, %v", old.SupersededBy, err)
		}
		if err := s.InsertReducedFrame(ctx, testFrame("x", "i1", t0), "missing"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("superseding unknown frame: got %v", err)
		}
		if _, err := s.GetReducedFrame(ctx, "x"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("failed supersede left frame x behind: %v", err)
		}
	})
}

func TestCompareAndSetQualityConcurrent(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		if err := s.InsertReducedFrame(ctx, testFrame("f", "i1", t0), ""); err != nil {
			t.Fatal(err)
		}
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			swaps int
		)
		for _, q := range []model.Quality{model.QualityGood, model.QualityBad, model.QualityGood, model.QualityBad} {
			wg.Add(1)
			go func(q model.Quality) {
				defer wg.Done()
				ok, _, err := s.CompareAndSetQuality(ctx, "f", model.QualityUnverified, q)
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					mu.Lock()
					swaps++
					mu.Unlock()
				}
			}(q)
		}
		wg.Wait()
		if swaps != 1 {
			t.Errorf("%d swaps, want exactly 1", swaps)
		}
		if _, _, err := s.CompareAndSetQuality(ctx, "nope", model.QualityUnverified, model.QualityGood); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("unknown frame: got %v", err)
		}
	})
}

func TestMasterCalibrations(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		for i, typ := range []model.CalibrationType{model.CalFlat, model.CalBias, model.CalBias} {
			m := &model.MasterCalibration{
				ID: string(rune('a' + i)), InstrumentID: "i1", Type: typ,
				ValidFrom: t0.Add(time.Duration(2-i) * time.Hour), ValidTo: t0.Add(time.Duration(3-i) * time.Hour),
				DateObs: t0, NumInputs: 3, InputIDs: []string{"x", "y", "z"},
				Image: testImage(1), Sigma: 3, Iterations: 3, CreatedAt: t0,
			}
			if err := s.InsertMasterCalibration(ctx, m); err != nil {
				t.Fatal(err)
			}
		}
		ms, err := s.ListMasterCalibrations(ctx, CalibrationQuery{InstrumentID: "i1", Type: model.CalBias})
		if err != nil {
			t.Fatal(err)
		}
		if len(ms) != 2 || ms[0].ID != "c" || ms[1].ID != "b" {
			t.Fatalf("bias masters not in validity order: %v", ms)
		}
		got, err := s.GetMasterCalibration(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"x", "y", "z"}, got.InputIDs); diff != "" {
			t.Errorf("input ids (-want +got):\n%s", diff)
		}
		if got.Sigma != 3 || got.Type != model.CalFlat || !got.ValidTo.Equal(t0.Add(3*time.Hour)) {
			t.Errorf("unexpected master %v", got)
		}
	})
}

func TestMasterHeaderCardTypes(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		img := testImage(1)
		img.Header["NCOMBINE"] = int64(5)
		img.Header["CCDNUM"] = int64(2)
		img.Header["EXPTIME"] = 30.0
		img.Header["GAIN"] = 1.45
		img.Header["SATURATE"] = 1e21
		img.Header["FLATCOR"] = true
		m := &model.MasterCalibration{
			ID: "m1", InstrumentID: "i1", Type: model.CalBias,
			ValidFrom: t0, ValidTo: t0.Add(time.Hour), DateObs: t0,
			NumInputs: 5, Image: img, Sigma: 3, Iterations: 3, CreatedAt: t0,
		}
		if err := s.InsertMasterCalibration(ctx, m); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetMasterCalibration(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		want := fits.Header{
			"OBSTYPE": "BIAS", "NCOMBINE": int64(5), "CCDNUM": int64(2),
			"EXPTIME": 30.0, "GAIN": 1.45, "SATURATE": 1e21, "FLATCOR": true,
		}
		if diff := cmp.Diff(want, got.Image.Header); diff != "" {
			t.Errorf("header (-want +got):\n%s", diff)
		}
	})
}

func TestProcessingRecords(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, s Store) {
		if _, err := s.GetProcessingRecord(ctx, "r"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("missing record: got %v", err)
		}
		r := &model.ProcessingRecord{RawFrameID: "r", Checksum: "abc", Tries: 1, UpdatedAt: t0}
		if err := s.PutProcessingRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
		r.Tries, r.Success, r.ReducedFrameID = 2, true, "f"
		if err := s.PutProcessingRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetProcessingRecord(ctx, "r")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(r, got); diff != "" {
			t.Errorf("record (-want +got):\n%s", diff)
		}
	})
}
