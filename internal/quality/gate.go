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

// Package quality gates reduced frames as good or bad. Every frame moves from
// unverified to a verdict at most once, no matter how many operators or
// automated checks race to mark it.
package quality

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/logging"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Frame access the gate needs from the store
type FrameStore interface {
	GetReducedFrame(ctx context.Context, id string) (*model.ReducedFrame, error)
	CompareAndSetQuality(ctx context.Context, id string, from, to model.Quality) (swapped bool, current model.Quality, err error)
}

// Gate applies quality verdicts to reduced frames
type Gate struct {
	frames FrameStore
	log    *slog.Logger
}

func NewGate(frames FrameStore) *Gate {
	return &Gate{frames: frames, log: logging.New("quality")}
}

// Mark sets the quality of a reduced frame to GOOD or BAD. It succeeds
// without change if the frame already carries the requested verdict, and
// fails with ErrAlreadyVerified if it carries the other one.
func (g *Gate) Mark(ctx context.Context, frameID string, q model.Quality) error {
	if q != model.QualityGood && q != model.QualityBad {
		return &model.Error{Kind: model.ErrInvalidQuality, Detail: fmt.Sprintf("cannot mark frame %s as %s", frameID, q)}
	}
	swapped, current, err := g.frames.CompareAndSetQuality(ctx, frameID, model.QualityUnverified, q)
	if err != nil {
		return err
	}
	switch {
	case swapped:
		g.log.Info("marked frame", "frame", frameID, "quality", q.String())
		return nil
	case current == q:
		return nil
	}
	conflict := &model.Error{Kind: model.ErrAlreadyVerified, Detail: fmt.Sprintf("frame %s is %s, cannot mark %s", frameID, current, q)}
	if f, err := g.frames.GetReducedFrame(ctx, frameID); err == nil {
		conflict.Instrument, conflict.Chip, conflict.HasChip, conflict.Date = f.InstrumentID, f.Chip, true, f.DateObs
	}
	return conflict
}

// Thresholds for the automated check. Zero bounds are not checked.
type CheckParams struct {
	MaxInvalidFraction float64
	MinMedian          float32
	MaxMedian          float32
}

func (p *CheckParams) String() string {
	return fmt.Sprintf("MaxInvalidFraction %.3g MinMedian %.4g MaxMedian %.4g", p.MaxInvalidFraction, p.MinMedian, p.MaxMedian)
}

// Verdict of the automated check, with the reason for a BAD verdict
type Verdict struct {
	Quality model.Quality
	Reason  string
	Stats   *stats.BasicStats
}

// Evaluate judges an image against the thresholds without marking anything
func (p *CheckParams) Evaluate(img *fits.Image) Verdict {
	s := stats.CalcBasicStats(img.Data, img.Mask, fits.MaskInvalid)
	v := Verdict{Quality: model.QualityGood, Stats: s}
	switch {
	case p.MaxInvalidFraction > 0 && s.InvalidFraction() > p.MaxInvalidFraction:
		v.Quality, v.Reason = model.QualityBad, fmt.Sprintf("invalid fraction %.3g above %.3g", s.InvalidFraction(), p.MaxInvalidFraction)
	case p.MinMedian != 0 && s.Median < p.MinMedian:
		v.Quality, v.Reason = model.QualityBad, fmt.Sprintf("median %.4g below %.4g", s.Median, p.MinMedian)
	case p.MaxMedian != 0 && s.Median > p.MaxMedian:
		v.Quality, v.Reason = model.QualityBad, fmt.Sprintf("median %.4g above %.4g", s.Median, p.MaxMedian)
	}
	return v
}

// AutoCheck evaluates a stored frame and marks it through the same path as
// an operator would
func (g *Gate) AutoCheck(ctx context.Context, frameID string, p CheckParams) (Verdict, error) {
	f, err := g.frames.GetReducedFrame(ctx, frameID)
	if err != nil {
		return Verdict{}, err
	}
	v := p.Evaluate(f.Image)
	if v.Quality == model.QualityBad {
		g.log.Warn("automated check failed", "frame", frameID, "chip", f.Chip, "instrument", f.InstrumentID, "reason", v.Reason)
	}
	return v, g.Mark(ctx, frameID, v.Quality)
}
