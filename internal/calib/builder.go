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
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pbnjay/memory"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/logging"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/stats"
	"github.com/mlnoga/nightcal/internal/store"
)

// Source of candidate input frames
type FrameSource interface {
	ListReducedFrames(ctx context.Context, q store.FrameQuery) ([]*model.ReducedFrame, error)
}

// Write side of the calibration catalog
type CatalogWriter interface {
	InsertMasterCalibration(ctx context.Context, m *model.MasterCalibration) error
}

// Normalization mode for flat frames before stacking
type NormMode int

const (
	NormMedian NormMode = iota // divide by median of valid pixels
	NormHistMode               // divide by histogram peak
)

func (n NormMode) String() string {
	if n == NormHistMode {
		return "mode"
	}
	return "median"
}

func ParseNormMode(s string) (NormMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "median":
		return NormMedian, nil
	case "mode":
		return NormHistMode, nil
	}
	return NormMedian, fmt.Errorf("unknown flat normalization %q", s)
}

// Number of histogram bins for NormHistMode
const modeBins = 1024

// Parameters for building master calibrations
type BuilderParams struct {
	MinFrames   int
	Sigma       float32
	Iterations  int
	FlatEpsilon float32 // flats whose normalizer is closer to zero are excluded
	FlatNorm    NormMode
	Workers     int
	MemoryMB    int64 // budget for the in-memory stack, 0 for 70% of physical memory
}

// DefaultBuilderParams returns the standard combine settings
func DefaultBuilderParams() BuilderParams {
	return BuilderParams{MinFrames: 3, Sigma: 3, Iterations: 3, FlatEpsilon: 1e-6, FlatNorm: NormMedian, Workers: 1}
}

func (p *BuilderParams) String() string {
	return fmt.Sprintf("MinFrames %d Sigma %.2f Iterations %d FlatEpsilon %g FlatNorm %s Workers %d MemoryMB %d",
		p.MinFrames, p.Sigma, p.Iterations, p.FlatEpsilon, p.FlatNorm, p.Workers, p.MemoryMB)
}

func (p *BuilderParams) memoryBudget() uint64 {
	if p.MemoryMB > 0 {
		return uint64(p.MemoryMB) << 20
	}
	total := memory.TotalMemory()
	if total == 0 {
		return math.MaxUint64 // unknown platform
	}
	return total / 10 * 7
}

// What to build
type BuildRequest struct {
	InstrumentID string                `json:"instrumentId"`
	Type         model.CalibrationType `json:"-"`
	From         time.Time             `json:"from"`
	To           time.Time             `json:"to"`
}

// Builder stacks verified calibration frames into master calibrations. At most
// one build per instrument and calibration type runs at any time.
type Builder struct {
	frames  FrameSource
	catalog CatalogWriter
	params  BuilderParams
	log     *slog.Logger
	locks   keyedLock
}

func NewBuilder(frames FrameSource, catalog CatalogWriter, params BuilderParams) *Builder {
	if params.MinFrames < 1 {
		params.MinFrames = 1
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	return &Builder{frames: frames, catalog: catalog, params: params, log: logging.New("calib")}
}

// One channel per key, holding a token while a build for the key runs
type keyedLock struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
}

func (k *keyedLock) lock(ctx context.Context, key string) (unlock func(), err error) {
	k.mu.Lock()
	if k.keys == nil {
		k.keys = make(map[string]chan struct{})
	}
	ch, ok := k.keys[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.keys[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Build stacks all GOOD, current frames of the requested type taken by the
// instrument within [From,To] into a new master calibration and registers it
// in the catalog. The sigma-clipped combine is not interrupted once started;
// if ctx is done by the time it finishes, the result is discarded.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*model.MasterCalibration, error) {
	ft := req.Type.FrameType()
	if ft == model.FrameAny {
		return nil, fmt.Errorf("cannot build calibration of type %s", req.Type)
	}
	unlock, err := b.locks.lock(ctx, req.InstrumentID+"/"+req.Type.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := b.log.With("instrument", req.InstrumentID, "type", req.Type.String())
	good := model.QualityGood
	frames, err := b.frames.ListReducedFrames(ctx, store.FrameQuery{
		InstrumentID: req.InstrumentID, FrameType: ft, Quality: &good, From: req.From, To: req.To,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s frames: %w", ft, err)
	}
	if len(frames) < b.params.MinFrames {
		return nil, b.insufficient(req, len(frames), "eligible")
	}
	for _, f := range frames[1:] {
		if !f.Image.SameSize(frames[0].Image) {
			return nil, &model.Error{Kind: model.ErrDimensionMismatch, Instrument: req.InstrumentID, Date: f.DateObs,
				Detail: fmt.Sprintf("frame %s is %v, frame %s is %v", f.ID, f.Image.Naxisn, frames[0].ID, frames[0].Image.Naxisn)}
		}
	}

	stack := make([][]float32, 0, len(frames))
	masks := make([][]uint8, 0, len(frames))
	used := make([]*model.ReducedFrame, 0, len(frames))
	for _, f := range frames {
		data := f.Image.Data
		if req.Type == model.CalFlat {
			norm := b.normalizer(f.Image)
			if math.Abs(float64(norm)) < float64(b.params.FlatEpsilon) {
				log.Warn("excluding flat with normalizer near zero", "frame", f.ID, "chip", f.Chip, "normalizer", norm)
				continue
			}
			data = normalize(f.Image, norm)
		}
		stack, masks, used = append(stack, data), append(masks, f.Image.Mask), append(used, f)
	}
	if len(used) < b.params.MinFrames {
		return nil, b.insufficient(req, len(used), "usable")
	}

	w, h := used[0].Image.Width(), used[0].Image.Height()
	need := uint64(len(stack)+1) * uint64(w) * uint64(h) * 5
	if budget := b.params.memoryBudget(); need > budget {
		return nil, fmt.Errorf("stack of %d %dx%d frames needs %d MB, exceeding memory budget of %d MB",
			len(stack), w, h, need>>20, budget>>20)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	clip := stats.ClipParams{Sigma: b.params.Sigma, Iterations: b.params.Iterations}
	log.Info("combining frames", "frames", len(stack), "width", w, "height", h, "clip", clip.String())
	res, err := stats.CombineSigmaClip(stack, masks, clip, b.params.Workers)
	if err != nil {
		return nil, fmt.Errorf("combine: %w", err)
	}
	if err := ctx.Err(); err != nil {
		log.Warn("discarding master, build cancelled during combine", "error", err)
		return nil, err
	}

	img, err := fits.NewImageFromData(w, h, res.Data)
	if err != nil {
		return nil, err
	}
	img.Mask = res.Mask
	m := newMaster(req, used, img, clip)
	if err := b.catalog.InsertMasterCalibration(ctx, m); err != nil {
		return nil, fmt.Errorf("register master %s: %w", m.ID, err)
	}
	log.Info("built master", "id", m.ID, "inputs", m.NumInputs, "rejected", res.Rejected,
		"unfilled", img.CountMasked(fits.MaskUnfilled), "elapsed", time.Since(start).String())
	return m, nil
}

func (b *Builder) insufficient(req BuildRequest, n int, what string) error {
	return &model.Error{Kind: model.ErrInsufficientCalibrationFrames, Instrument: req.InstrumentID, Date: req.From,
		Detail: fmt.Sprintf("%d %s %s frames in [%s,%s], need %d", n, what, req.Type.FrameType(),
			req.From.UTC().Format(time.RFC3339), req.To.UTC().Format(time.RFC3339), b.params.MinFrames)}
}

func (b *Builder) normalizer(img *fits.Image) float32 {
	if b.params.FlatNorm == NormHistMode {
		return stats.Mode(img.Data, img.Mask, fits.MaskInvalid, modeBins)
	}
	m, _ := stats.MedianValid(img.Data, img.Mask, fits.MaskInvalid)
	return m
}

// normalize returns a copy of the image data divided by norm. Invalid pixels keep the sentinel.
func normalize(img *fits.Image, norm float32) []float32 {
	out := make([]float32, len(img.Data))
	inv := 1 / norm
	for i, v := range img.Data {
		if img.Valid(i) {
			out[i] = v * inv
		} else {
			out[i] = fits.InvalidPixel
		}
	}
	return out
}

func newMaster(req BuildRequest, used []*model.ReducedFrame, img *fits.Image, clip stats.ClipParams) *model.MasterCalibration {
	from, to := used[0].DateObs, used[0].DateObs
	ids := make([]string, len(used))
	for i, f := range used {
		ids[i] = f.ID
		if f.DateObs.Before(from) {
			from = f.DateObs
		}
		if f.DateObs.After(to) {
			to = f.DateObs
		}
	}
	// mean of offsets from the earliest frame, which cannot overflow
	var sum float64
	for _, f := range used {
		sum += float64(f.DateObs.Sub(from))
	}
	mean := from.Add(time.Duration(sum / float64(len(used))))

	m := &model.MasterCalibration{
		ID:           model.NewID(),
		InstrumentID: req.InstrumentID,
		Type:         req.Type,
		ValidFrom:    from,
		ValidTo:      to,
		DateObs:      mean,
		NumInputs:    len(used),
		InputIDs:     ids,
		Image:        img,
		Sigma:        clip.Sigma,
		Iterations:   clip.Iterations,
		CreatedAt:    time.Now().UTC(),
	}
	img.ID = m.ID
	img.Header["OBSTYPE"] = strings.ToUpper(req.Type.String())
	img.Header["INSTID"] = req.InstrumentID
	img.Header["DATE-OBS"] = mean.UTC().Format("2006-01-02T15:04:05.000")
	img.Header["NCOMBINE"] = int64(len(used))
	for i, id := range ids {
		img.Header[fmt.Sprintf("CALIN%03d", i+1)] = id
	}
	return m
}
