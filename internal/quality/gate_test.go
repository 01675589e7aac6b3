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

package quality

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/store"
)

func newFrame(t *testing.T, s store.Store, id string, value float32) {
	t.Helper()
	img := fits.NewImage(10, 10)
	for i := range img.Data {
		img.Data[i] = value
	}
	f := &model.ReducedFrame{ID: id, InstrumentID: "i1", FrameType: model.FrameBias, Image: img,
		DateObs: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.InsertReducedFrame(context.Background(), f, ""); err != nil {
		t.Fatal(err)
	}
}

func quality(t *testing.T, s store.Store, id string) model.Quality {
	t.Helper()
	f, err := s.GetReducedFrame(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return f.Quality
}

func TestMarkTransitions(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	newFrame(t, s, "f", 100)
	g := NewGate(s)

	if err := g.Mark(ctx, "f", model.QualityGood); err != nil {
		t.Fatal(err)
	}
	if err := g.Mark(ctx, "f", model.QualityGood); err != nil {
		t.Errorf("repeating the same verdict: %v", err)
	}
	err := g.Mark(ctx, "f", model.QualityBad)
	if !errors.Is(err, model.ErrAlreadyVerified) {
		t.Errorf("flipping the verdict: got %v", err)
	} else if msg := err.Error(); !strings.Contains(msg, "instrument i1") || !strings.Contains(msg, "date 2021-01-01T00:00:00Z") {
		t.Errorf("conflict lacks frame context: %s", msg)
	}
	if q := quality(t, s, "f"); q != model.QualityGood {
		t.Errorf("quality %s, want GOOD", q)
	}
}

func TestMarkRejectsUnverified(t *testing.T) {
	s := store.NewMemStore()
	newFrame(t, s, "f", 100)
	if err := NewGate(s).Mark(context.Background(), "f", model.QualityUnverified); !errors.Is(err, model.ErrInvalidQuality) {
		t.Errorf("got %v", err)
	}
}

func TestMarkUnknownFrame(t *testing.T) {
	err := NewGate(store.NewMemStore()).Mark(context.Background(), "nope", model.QualityBad)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestConcurrentMarksSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	newFrame(t, s, "f", 100)
	g := NewGate(s)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < 16; i++ {
		q := model.QualityGood
		if i%2 == 1 {
			q = model.QualityBad
		}
		wg.Add(1)
		go func(q model.Quality) {
			defer wg.Done()
			err := g.Mark(ctx, "f", q)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrAlreadyVerified):
				lost++
			default:
				t.Error(err)
			}
		}(q)
	}
	wg.Wait()
	// the winner and all callers agreeing with it succeed, everyone else loses
	if ok != 8 || lost != 8 {
		t.Errorf("%d succeeded and %d lost, want 8 and 8", ok, lost)
	}
}

func TestAutoCheck(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	newFrame(t, s, "ok", 1000)
	newFrame(t, s, "dim", 5)
	newFrame(t, s, "holes", 1000)
	holes, _ := s.GetReducedFrame(ctx, "holes")
	for i := 0; i < 30; i++ {
		holes.Image.Invalidate(i, fits.MaskBadPixel)
	}

	g := NewGate(s)
	p := CheckParams{MaxInvalidFraction: 0.2, MinMedian: 10, MaxMedian: 60000}
	tests := []struct {
		id   string
		want model.Quality
	}{
		{"ok", model.QualityGood},
		{"dim", model.QualityBad},
		{"holes", model.QualityBad},
	}
	for _, tc := range tests {
		v, err := g.AutoCheck(ctx, tc.id, p)
		if err != nil {
			t.Fatal(err)
		}
		if v.Quality != tc.want {
			t.Errorf("%s: verdict %s (%s), want %s", tc.id, v.Quality, v.Reason, tc.want)
		}
		if q := quality(t, s, tc.id); q != tc.want {
			t.Errorf("%s: stored quality %s, want %s", tc.id, q, tc.want)
		}
	}
}
