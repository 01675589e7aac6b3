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

package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/config"
	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/quality"
	"github.com/mlnoga/nightcal/internal/reduce"
	"github.com/mlnoga/nightcal/internal/store"
)

var night = time.Date(2022, 3, 4, 1, 0, 0, 0, time.UTC)

func testEnv(t *testing.T) *Env {
	t.Helper()
	env := NewEnv(config.Default(), store.NewMemStore())
	inst := &model.Instrument{ID: "inst0", Site: "lsc", Camera: "fa01", Type: "1m0"}
	if err := env.Store.AddInstrument(context.Background(), inst); err != nil {
		t.Fatal(err)
	}
	return env
}

func constImage(v float32) *fits.Image {
	img := fits.NewImage(8, 6)
	for i := range img.Data {
		img.Data[i] = v
	}
	return img
}

func biasExposures(n int, v float32) []reduce.Exposure {
	exps := make([]reduce.Exposure, n)
	for i := range exps {
		id := fmt.Sprintf("bias%d", i)
		exps[i] = reduce.Exposure{ID: id, Chips: []*model.RawFrame{{
			ID: id + "-00", ExposureID: id, InstrumentID: "inst0",
			DateObs: night.Add(time.Duration(i) * time.Minute), FrameType: model.FrameBias, Image: constImage(v),
		}}}
	}
	return exps
}

func TestReduceCheckBuildCatalog(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	check := quality.CheckParams{MaxInvalidFraction: 0.05}

	var manifest bytes.Buffer
	failed, err := reduceExposures(ctx, env, biasExposures(3, 100), ReduceOptions{AutoCheck: &check}, &manifest)
	if err != nil || failed != 0 {
		t.Fatalf("reduce: failed %d, %v", failed, err)
	}
	var rows []reduce.ManifestRow
	if err := csvutil.Unmarshal(manifest.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].Status != "reduced" || rows[0].Exposure != "bias0" {
		t.Fatalf("manifest %+v", rows)
	}

	built, err := CmdBuild(ctx, env, nil, model.CalBias, night.Add(-time.Hour), night.Add(time.Hour), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(built) != 1 || built[0].NumInputs != 3 || built[0].Image.Data[0] != 100 {
		t.Fatalf("built %v", built)
	}

	var out bytes.Buffer
	if err := CmdCatalog(ctx, env, store.CalibrationQuery{Type: model.CalBias}, true, &out); err != nil {
		t.Fatal(err)
	}
	var cat []CatalogRow
	if err := csvutil.Unmarshal(out.Bytes(), &cat); err != nil {
		t.Fatal(err)
	}
	if len(cat) != 1 || cat[0].ID != built[0].ID || cat[0].Inputs != 3 || cat[0].Width != 8 || cat[0].Type != "bias" {
		t.Errorf("catalog %+v", cat)
	}

	out.Reset()
	if err := CmdCatalog(ctx, env, store.CalibrationQuery{}, false, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "ID") || !strings.Contains(out.String(), built[0].ID) {
		t.Errorf("catalog text %q", out.String())
	}
}

func TestBuildSkipsInsufficient(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	built, err := CmdBuild(ctx, env, []string{"inst0"}, model.CalFlat, night.Add(-time.Hour), night.Add(time.Hour), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(built) != 0 {
		t.Errorf("built %v", built)
	}
}

func TestMark(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	if _, err := reduceExposures(ctx, env, biasExposures(2, 100), ReduceOptions{}, nil); err != nil {
		t.Fatal(err)
	}
	frames, err := env.Store.ListReducedFrames(ctx, store.FrameQuery{})
	if err != nil || len(frames) != 2 {
		t.Fatalf("frames %v, %v", frames, err)
	}

	if n, err := CmdMark(ctx, env, []string{frames[0].ID}, "bad", quality.CheckParams{}); n != 0 || err != nil {
		t.Fatalf("mark bad: %d, %v", n, err)
	}
	if n, err := CmdMark(ctx, env, []string{frames[0].ID}, "GOOD", quality.CheckParams{}); n != 1 || err == nil {
		t.Errorf("remark good: %d, %v", n, err)
	}
	if _, err := CmdMark(ctx, env, nil, "GOOD", quality.CheckParams{}); err == nil {
		t.Error("no error without IDs")
	}
	if _, err := CmdMark(ctx, env, nil, "maybe", quality.CheckParams{}); !errors.Is(err, model.ErrInvalidQuality) {
		t.Errorf("invalid quality: %v", err)
	}

	// automated check of all remaining unverified frames
	if n, err := CmdMark(ctx, env, nil, "auto", quality.CheckParams{MaxMedian: 50}); n != 0 || err != nil {
		t.Fatalf("auto: %d, %v", n, err)
	}
	f, err := env.Store.GetReducedFrame(ctx, frames[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.Quality != model.QualityBad {
		t.Errorf("quality %s", f.Quality)
	}
}

func TestInstrumentAddList(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	inst := &model.Instrument{Site: "ogg", Camera: "fa02"}
	if err := CmdInstrumentAdd(ctx, env, inst); err != nil {
		t.Fatal(err)
	}
	if inst.ID == "" {
		t.Error("no ID assigned")
	}
	if err := CmdInstrumentAdd(ctx, env, &model.Instrument{Site: "ogg"}); err == nil {
		t.Error("no error without camera")
	}
	var out bytes.Buffer
	if err := CmdInstrumentList(ctx, env, &out); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(out.String()), "\n"); len(lines) != 3 {
		t.Errorf("list %q", out.String())
	}
}

func TestImportMaster(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	img := constImage(1)
	img.Data[0] = 1.1
	img.Header["NCOMBINE"] = int64(7)
	req := ImportRequest{FileName: "flat.fits", InstrumentID: "inst0", Type: model.CalFlat,
		ValidFrom: night.Add(-time.Hour), ValidTo: night.Add(time.Hour)}
	m, err := importMaster(ctx, env, req, img)
	if err != nil {
		t.Fatal(err)
	}
	if m.NumInputs != 7 || !m.DateObs.Equal(night) {
		t.Errorf("master %v date %v", m, m.DateObs)
	}
	sel, err := calib.NewSelector(env.Store).Select(ctx, "inst0", model.CalFlat, night)
	if err != nil || sel.ID != m.ID {
		t.Errorf("select %v, %v", sel, err)
	}

	bad := req
	bad.ValidTo = night.Add(-2 * time.Hour)
	if _, err := CmdImport(ctx, env, bad); err == nil {
		t.Error("no error for inverted window")
	}
	bad = req
	bad.InstrumentID = "nope"
	if _, err := CmdImport(ctx, env, bad); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown instrument: %v", err)
	}
}

func TestGlobFilenameWildcards(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.fits", "b.fits", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := GlobFilenameWildcards([]string{filepath.Join(dir, "*.fits")})
	if err != nil || len(got) != 2 {
		t.Errorf("glob %v, %v", got, err)
	}
}
