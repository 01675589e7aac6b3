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

package calib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/logging"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/store"
)

var night = time.Date(2021, 6, 1, 22, 0, 0, 0, time.UTC)

func testParams() BuilderParams {
	p := DefaultBuilderParams()
	p.Workers = 2
	p.MemoryMB = 64
	return p
}

// adds n reduced frames of the given type and quality, one per hour from start
func seedFrames(t *testing.T, s store.Store, inst string, ft model.FrameType, q model.Quality, start time.Time, n int,
	pixel func(frame, i int) float32) []string {
	t.Helper()
	ids := make([]string, n)
	for f := 0; f < n; f++ {
		img := fits.NewImage(16, 8)
		for i := range img.Data {
			img.Data[i] = pixel(f, i)
		}
		rf := &model.ReducedFrame{
			ID: fmt.Sprintf("%s-%s-%s-%d-%d", inst, ft, q, start.Unix(), f), InstrumentID: inst, FrameType: ft,
			DateObs: start.Add(time.Duration(f) * time.Hour), Image: img, Quality: q, CreatedAt: start,
		}
		if err := s.InsertReducedFrame(context.Background(), rf, ""); err != nil {
			t.Fatal(err)
		}
		ids[f] = rf.ID
	}
	return ids
}

func noisy(level, sigma float64, seed int64) func(int, int) float32 {
	r := rand.New(rand.NewSource(seed))
	return func(int, int) float32 { return float32(level + r.NormFloat64()*sigma) }
}

func TestBuildBiasAndSelectRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	ids := seedFrames(t, s, "i1", model.FrameBias, model.QualityGood, night, 5, noisy(300, 5, 1))
	seedFrames(t, s, "i1", model.FrameBias, model.QualityBad, night, 2, noisy(9000, 5, 2))
	seedFrames(t, s, "i1", model.FrameBias, model.QualityUnverified, night.Add(30*time.Minute), 2, noisy(9000, 5, 3))

	b := NewBuilder(s, s, testParams())
	m, err := b.Build(ctx, BuildRequest{InstrumentID: "i1", Type: model.CalBias, From: night, To: night.Add(24 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ids, m.InputIDs); diff != "" {
		t.Errorf("inputs (-want +got):\n%s", diff)
	}
	if !m.ValidFrom.Equal(night) || !m.ValidTo.Equal(night.Add(4*time.Hour)) {
		t.Errorf("validity [%v,%v]", m.ValidFrom, m.ValidTo)
	}
	if !m.DateObs.Equal(night.Add(2 * time.Hour)) {
		t.Errorf("mean date %v, want %v", m.DateObs, night.Add(2*time.Hour))
	}
	if n, _ := m.Image.Header.GetFloat("NCOMBINE"); n != 5 {
		t.Errorf("NCOMBINE = %v", n)
	}
	for i, v := range m.Image.Data {
		if math.Abs(float64(v)-300) > 15 {
			t.Fatalf("pixel %d = %v, bad or unverified frames leaked into the master", i, v)
		}
	}

	sel := NewSelector(s)
	for _, at := range []time.Time{m.ValidFrom, m.ValidTo, night.Add(90 * time.Minute)} {
		got, err := sel.Select(ctx, "i1", model.CalBias, at)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != m.ID {
			t.Errorf("Select at %v = %s, want %s", at, got.ID, m.ID)
		}
	}
}

func TestSelectNoCalibration(t *testing.T) {
	s := store.NewMemStore()
	_, err := NewSelector(s).Select(context.Background(), "i1", model.CalFlat, night)
	if !errors.Is(err, model.ErrNoCalibrationFound) {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(err.Error(), "i1") {
		t.Errorf("error lacks instrument context: %v", err)
	}
}

func addMaster(t *testing.T, s store.Store, id string, from, to time.Time, inputs int, created time.Time) {
	t.Helper()
	m := &model.MasterCalibration{ID: id, InstrumentID: "i1", Type: model.CalBias, ValidFrom: from, ValidTo: to,
		NumInputs: inputs, Image: fits.NewImage(2, 2), CreatedAt: created}
	if err := s.InsertMasterCalibration(context.Background(), m); err != nil {
		t.Fatal(err)
	}
}

func TestSelectPrefersContainingWindowThenTieBreaks(t *testing.T) {
	h := time.Hour
	tests := []struct {
		name    string
		masters func(s store.Store)
		at      time.Time
		want    string
	}{
		{"containing beats near", func(s store.Store) {
			addMaster(t, s, "near", night.Add(-2*h), night.Add(-1*time.Second), 50, night)
			addMaster(t, s, "wide", night.Add(-48*h), night.Add(48*h), 3, night)
		}, night, "wide"},
		{"nearest edge", func(s store.Store) {
			addMaster(t, s, "early", night.Add(-10*h), night.Add(-5*h), 3, night)
			addMaster(t, s, "late", night.Add(2*h), night.Add(3*h), 3, night)
		}, night, "late"},
		{"more inputs", func(s store.Store) {
			addMaster(t, s, "a", night.Add(-h), night.Add(h), 3, night)
			addMaster(t, s, "b", night.Add(-h), night.Add(h), 5, night)
		}, night, "b"},
		{"newer", func(s store.Store) {
			addMaster(t, s, "a", night.Add(-h), night.Add(h), 3, night.Add(2*h))
			addMaster(t, s, "b", night.Add(-h), night.Add(h), 3, night)
		}, night, "a"},
		{"smallest id", func(s store.Store) {
			addMaster(t, s, "b", night.Add(-h), night.Add(h), 3, night)
			addMaster(t, s, "a", night.Add(-h), night.Add(h), 3, night)
		}, night, "a"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemStore()
			tc.masters(s)
			got, err := NewSelector(s).Select(context.Background(), "i1", model.CalBias, tc.at)
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != tc.want {
				t.Errorf("selected %s, want %s", got.ID, tc.want)
			}
		})
	}
}

func TestSelectAllReportsMissingPerType(t *testing.T) {
	s := store.NewMemStore()
	addMaster(t, s, "bias", night.Add(-time.Hour), night.Add(time.Hour), 3, night)
	sel, err := NewSelector(s).SelectAll(context.Background(), "i1", night)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Bias == nil || sel.Bias.ID != "bias" || sel.BiasErr != nil {
		t.Errorf("bias selection %v, %v", sel.Bias, sel.BiasErr)
	}
	if sel.Flat != nil || !errors.Is(sel.FlatErr, model.ErrNoCalibrationFound) {
		t.Errorf("flat selection %v, %v", sel.Flat, sel.FlatErr)
	}
}

func TestBuildInsufficientFrames(t *testing.T) {
	s := store.NewMemStore()
	seedFrames(t, s, "i1", model.FrameBias, model.QualityGood, night, 2, noisy(300, 5, 1))
	seedFrames(t, s, "i1", model.FrameBias, model.QualityGood, night.Add(72*time.Hour), 2, noisy(300, 5, 2))
	_, err := NewBuilder(s, s, testParams()).Build(context.Background(),
		BuildRequest{InstrumentID: "i1", Type: model.CalBias, From: night, To: night.Add(24 * time.Hour)})
	if !errors.Is(err, model.ErrInsufficientCalibrationFrames) {
		t.Fatalf("got %v", err)
	}
	ms, _ := s.ListMasterCalibrations(context.Background(), store.CalibrationQuery{})
	if len(ms) != 0 {
		t.Errorf("failed build registered %d masters", len(ms))
	}
}

func TestBuildDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	seedFrames(t, s, "i1", model.FrameBias, model.QualityGood, night, 3, noisy(300, 5, 1))
	odd := &model.ReducedFrame{ID: "odd", InstrumentID: "i1", FrameType: model.FrameBias, Quality: model.QualityGood,
		DateObs: night.Add(30 * time.Minute), Image: fits.NewImage(8, 8)}
	if err := s.InsertReducedFrame(ctx, odd, ""); err != nil {
		t.Fatal(err)
	}
	_, err := NewBuilder(s, s, testParams()).Build(ctx,
		BuildRequest{InstrumentID: "i1", Type: model.CalBias, From: night, To: night.Add(24 * time.Hour)})
	if !errors.Is(err, model.ErrDimensionMismatch) {
		t.Fatalf("got %v", err)
	}
}

func TestBuildFlatNormalizes(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []NormMode{NormMedian, NormHistMode} {
		t.Run(mode.String(), func(t *testing.T) {
			s := store.NewMemStore()
			// each flat at a different illumination level, same vignetting pattern
			seedFrames(t, s, "i1", model.FrameFlat, model.QualityGood, night, 4, func(f, i int) float32 {
				level := float32(1000 * (f + 1))
				if i%16 == 0 {
					return level * 0.8
				}
				return level
			})
			p := testParams()
			p.FlatNorm = mode
			m, err := NewBuilder(s, s, p).Build(ctx, BuildRequest{InstrumentID: "i1", Type: model.CalFlat, From: night, To: night.Add(24 * time.Hour)})
			if err != nil {
				t.Fatal(err)
			}
			for i, v := range m.Image.Data {
				want := 1.0
				if i%16 == 0 {
					want = 0.8
				}
				if math.Abs(float64(v)-want) > 0.01 {
					t.Fatalf("pixel %d = %v, want %v", i, v, want)
				}
			}
		})
	}
}

func TestBuildFlatUnitMedianUnchanged(t *testing.T) {
	s := store.NewMemStore()
	seedFrames(t, s, "i1", model.FrameFlat, model.QualityGood, night, 3, func(f, i int) float32 { return 1 })
	m, err := NewBuilder(s, s, testParams()).Build(context.Background(),
		BuildRequest{InstrumentID: "i1", Type: model.CalFlat, From: night, To: night.Add(24 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range m.Image.Data {
		if v != 1 {
			t.Fatalf("pixel %d = %v, want 1", i, v)
		}
	}
}

func TestBuildFlatExcludesZeroMedian(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(slog.LevelInfo, "text", &buf)
	defer logging.Init(slog.LevelInfo, "text", nil)

	ctx := context.Background()
	s := store.NewMemStore()
	seedFrames(t, s, "i1", model.FrameFlat, model.QualityGood, night, 4, func(f, i int) float32 {
		if f == 2 {
			return 0
		}
		return 5000
	})
	b := NewBuilder(s, s, testParams())
	req := BuildRequest{InstrumentID: "i1", Type: model.CalFlat, From: night, To: night.Add(24 * time.Hour)}
	m, err := b.Build(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if m.NumInputs != 3 {
		t.Errorf("%d inputs, want 3", m.NumInputs)
	}
	if !strings.Contains(buf.String(), "excluding flat") {
		t.Errorf("exclusion not logged: %s", buf.String())
	}

	// with a higher minimum the exclusion makes the build fail
	p := testParams()
	p.MinFrames = 4
	if _, err := NewBuilder(s, s, p).Build(ctx, req); !errors.Is(err, model.ErrInsufficientCalibrationFrames) {
		t.Errorf("got %v", err)
	}
}

func TestBuildInvalidPixelsIgnored(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	ids := seedFrames(t, s, "i1", model.FrameBias, model.QualityGood, night, 3, func(f, i int) float32 { return 10 })
	// pixel 5 is bad in every input, pixel 6 in one of them
	for n, id := range ids {
		f, err := s.GetReducedFrame(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		f.Image.Invalidate(5, fits.MaskBadPixel)
		if n == 0 {
			f.Image.Invalidate(6, fits.MaskBadPixel)
		}
	}
	m, err := NewBuilder(s, s, testParams()).Build(ctx,
		BuildRequest{InstrumentID: "i1", Type: model.CalBias, From: night, To: night.Add(24 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if m.Image.Data[6] != 10 {
		t.Errorf("pixel 6 = %v, want 10", m.Image.Data[6])
	}
	if m.Image.Data[5] != fits.InvalidPixel || m.Image.Valid(5) {
		t.Errorf("pixel 5 = %v, want invalid", m.Image.Data[5])
	}
}

// counts concurrent listings, holding each one open for a while
type slowSource struct {
	store.Store
	inflight, peak int32
}

func (s *slowSource) ListReducedFrames(ctx context.Context, q store.FrameQuery) ([]*model.ReducedFrame, error) {
	n := atomic.AddInt32(&s.inflight, 1)
	defer atomic.AddInt32(&s.inflight, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return s.Store.ListReducedFrames(ctx, q)
}

func TestConcurrentBuildsSerializedPerKey(t *testing.T) {
	ms := store.NewMemStore()
	seedFrames(t, ms, "i1", model.FrameBias, model.QualityGood, night, 3, noisy(300, 5, 1))
	src := &slowSource{Store: ms}
	b := NewBuilder(src, ms, testParams())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Build(context.Background(),
				BuildRequest{InstrumentID: "i1", Type: model.CalBias, From: night, To: night.Add(24 * time.Hour)}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if src.peak != 1 {
		t.Errorf("%d builds ran concurrently for one key", src.peak)
	}
	masters, _ := ms.ListMasterCalibrations(context.Background(), store.CalibrationQuery{})
	if len(masters) != 4 {
		t.Errorf("%d masters registered, want 4", len(masters))
	}
}

// blocks listings until released
type blockingSource struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) ListReducedFrames(ctx context.Context, q store.FrameQuery) ([]*model.ReducedFrame, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.ListReducedFrames(ctx, q)
}

func TestBuildWaitHonoursContext(t *testing.T) {
	ms := store.NewMemStore()
	seedFrames(t, ms, "i1", model.FrameBias, model.QualityGood, night, 3, noisy(300, 5, 1))
	src := &blockingSource{Store: ms, entered: make(chan struct{}, 1), release: make(chan struct{})}
	b := NewBuilder(src, ms, testParams())
	req := BuildRequest{InstrumentID: "i1", Type: model.CalBias, From: night, To: night.Add(24 * time.Hour)}

	done := make(chan error, 1)
	go func() {
		_, err := b.Build(context.Background(), req)
		done <- err
	}()
	<-src.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Build(ctx, req); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiting build returned %v", err)
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestBuildCancelledBeforeCombineNotPersisted(t *testing.T) {
	ms := store.NewMemStore()
	seedFrames(t, ms, "i1", model.FrameBias, model.QualityGood, night, 3, noisy(300, 5, 1))
	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{Store: ms, cancel: cancel}
	_, err := NewBuilder(src, ms, testParams()).Build(ctx,
		BuildRequest{InstrumentID: "i1", Type: model.CalBias, From: night, To: night.Add(24 * time.Hour)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	masters, _ := ms.ListMasterCalibrations(context.Background(), store.CalibrationQuery{})
	if len(masters) != 0 {
		t.Errorf("cancelled build registered %d masters", len(masters))
	}
}

// cancels the build's context once the inputs have been listed
type cancellingSource struct {
	store.Store
	cancel context.CancelFunc
}

func (s *cancellingSource) ListReducedFrames(ctx context.Context, q store.FrameQuery) ([]*model.ReducedFrame, error) {
	fs, err := s.Store.ListReducedFrames(ctx, q)
	s.cancel()
	return fs, err
}

func TestParseNormMode(t *testing.T) {
	for in, want := range map[string]NormMode{"": NormMedian, "median": NormMedian, "MODE": NormHistMode} {
		got, err := ParseNormMode(in)
		if err != nil || got != want {
			t.Errorf("ParseNormMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseNormMode("mean"); err == nil {
		t.Error("expected error")
	}
}
