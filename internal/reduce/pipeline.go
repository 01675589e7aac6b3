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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pbnjay/memory"
	"golang.org/x/sync/errgroup"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/logging"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Persistence the pipeline needs
type Store interface {
	calib.CatalogReader
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	FindInstrument(ctx context.Context, site, camera string) (*model.Instrument, error)
	InsertReducedFrame(ctx context.Context, f *model.ReducedFrame, supersedes string) error
	GetProcessingRecord(ctx context.Context, rawFrameID string) (*model.ProcessingRecord, error)
	PutProcessingRecord(ctx context.Context, r *model.ProcessingRecord) error
}

// Pipeline parameters
type Params struct {
	Workers      int     // chips reduced in parallel
	MinFlatValue float32 // master flat pixels below this magnitude invalidate the pixel
	MaxTries     int     // failed attempts per raw frame before it is given up, until forced
	MemoryMB     int64   // budget for chips in flight, 0 for 70% of physical memory
}

func DefaultParams() Params {
	return Params{Workers: 1, MinFlatValue: 0.01, MaxTries: 5}
}

func (p *Params) String() string {
	return fmt.Sprintf("Workers %d MinFlatValue %g MaxTries %d MemoryMB %d", p.Workers, p.MinFlatValue, p.MaxTries, p.MemoryMB)
}

// One multi-chip exposure
type Exposure struct {
	ID    string
	Chips []*model.RawFrame
}

// Pipeline reduces exposures chip by chip
type Pipeline struct {
	store    Store
	selector *calib.Selector
	masks    MaskSource
	cosmic   CosmicRayDetector
	params   Params
	log      *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline. masks and cosmic may be nil if the
// corresponding stages are never requested.
func NewPipeline(st Store, masks MaskSource, cosmic CosmicRayDetector, params Params) *Pipeline {
	if params.Workers < 1 {
		params.Workers = 1
	}
	if params.MaxTries < 1 {
		params.MaxTries = 1
	}
	return &Pipeline{
		store:    st,
		selector: calib.NewSelector(st),
		masks:    masks,
		cosmic:   cosmic,
		params:   params,
		log:      logging.New("reduce"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// parallelism bounds the chips in flight by the memory budget, assuming a raw
// copy, a working copy and a mask per chip
func (p *Pipeline) parallelism(chips []*model.RawFrame) int {
	workers := p.params.Workers
	var largest uint64
	for _, c := range chips {
		if c.Image != nil && uint64(c.Image.Pixels) > largest {
			largest = uint64(c.Image.Pixels)
		}
	}
	perChip := largest * 9
	budget := uint64(p.params.MemoryMB) << 20
	if budget == 0 {
		budget = memory.TotalMemory() / 10 * 7
	}
	if perChip == 0 || budget == 0 {
		return workers
	}
	if fit := int(budget / perChip); fit < workers {
		workers = fit
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// ReduceExposure runs every chip of the exposure through the stages for its
// frame type. Chips are reduced in parallel and fail independently; the
// manifest reports the outcome of each. Only successfully reduced chips are
// persisted. The error is non-nil only if the exposure holds no chips or ctx
// ended before all chips finished.
func (p *Pipeline) ReduceExposure(ctx context.Context, exp Exposure, pol Policy) (*Manifest, error) {
	if len(exp.Chips) == 0 {
		return nil, fmt.Errorf("exposure %s has no chips", exp.ID)
	}
	m := &Manifest{ExposureID: exp.ID, Policy: pol, Chips: make([]ChipResult, len(exp.Chips))}
	workers := p.parallelism(exp.Chips)
	p.log.Info("reducing exposure", "exposure", exp.ID, "chips", len(exp.Chips), "workers", workers, "policy", pol.String())

	var g errgroup.Group
	g.SetLimit(workers)
	for i, raw := range exp.Chips {
		g.Go(func() error {
			m.Chips[i] = p.reduceChip(ctx, exp.ID, raw, pol)
			return nil
		})
	}
	_ = g.Wait() // chip failures are reported in the manifest

	sort.SliceStable(m.Chips, func(i, j int) bool { return m.Chips[i].Chip < m.Chips[j].Chip })
	p.log.Info("reduced exposure", "exposure", exp.ID, "reduced", m.Count(ChipReduced),
		"skipped", m.Count(ChipSkipped), "failed", m.Count(ChipFailed))
	return m, ctx.Err()
}

func (p *Pipeline) resolveInstrument(ctx context.Context, raw *model.RawFrame) (*model.Instrument, error) {
	if raw.InstrumentID != "" {
		return p.store.GetInstrument(ctx, raw.InstrumentID)
	}
	if raw.Image == nil {
		return nil, errors.New("raw frame without image")
	}
	site, okS := raw.Image.Header.GetString("SITEID")
	camera, okC := raw.Image.Header.GetString("INSTRUME")
	if !okS || !okC || site == "" || camera == "" {
		return nil, &model.Error{Kind: model.ErrNotFound, Chip: raw.Chip, HasChip: true, Date: raw.DateObs,
			Detail: "raw frame " + raw.ID + " names no instrument and lacks SITEID or INSTRUME"}
	}
	return p.store.FindInstrument(ctx, site, camera)
}

func (p *Pipeline) reduceChip(ctx context.Context, exposureID string, raw *model.RawFrame, pol Policy) ChipResult {
	res := ChipResult{Chip: raw.Chip, RawFrameID: raw.ID, Instrument: raw.InstrumentID, DateObs: raw.DateObs}
	log := p.log.With("exposure", exposureID, "chip", raw.Chip)
	fail := func(err error) ChipResult {
		err = model.WithChip(err, res.Instrument, raw.Chip, raw.DateObs)
		res.Status, res.Err, res.Error = ChipFailed, err, err.Error()
		log.Error("chip failed", "error", err)
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if raw.Image == nil {
		return fail(fmt.Errorf("raw frame %s has no image", raw.ID))
	}
	inst, err := p.resolveInstrument(ctx, raw)
	if err != nil {
		return fail(fmt.Errorf("resolve instrument: %w", err))
	}
	res.Instrument = inst.String()
	log = log.With("instrument", res.Instrument)

	rec, err := p.store.GetProcessingRecord(ctx, raw.ID)
	if errors.Is(err, model.ErrNotFound) {
		rec, err = &model.ProcessingRecord{RawFrameID: raw.ID}, nil
	}
	if err != nil {
		return fail(fmt.Errorf("processing record: %w", err))
	}
	sum := raw.Checksum()
	if rec.Checksum == sum && rec.Success && !pol.Force {
		log.Info("skipping unchanged frame", "reduced", rec.ReducedFrameID)
		res.Status, res.ReducedFrameID = ChipSkipped, rec.ReducedFrameID
		return res
	}
	if rec.Checksum != sum || pol.Force {
		rec.Checksum, rec.Tries = sum, 0
	}
	if rec.Tries >= p.params.MaxTries {
		return fail(model.ChipError(model.ErrRetriesExhausted, inst.String(), raw.Chip, raw.DateObs,
			"%d failed attempts, force to retry", rec.Tries))
	}
	rec.Tries++
	rec.Success = false
	rec.UpdatedAt = p.now()
	if err := p.store.PutProcessingRecord(ctx, rec); err != nil {
		return fail(fmt.Errorf("processing record: %w", err))
	}

	frame, err := p.runStages(ctx, raw, inst, pol, log)
	if err != nil {
		return fail(err)
	}
	frame.ExposureID = raw.ExposureID
	if frame.ExposureID == "" {
		frame.ExposureID = exposureID
	}
	if err := p.store.InsertReducedFrame(ctx, frame, rec.ReducedFrameID); err != nil {
		return fail(fmt.Errorf("persist reduced frame: %w", err))
	}

	rec.Success, rec.ReducedFrameID, rec.UpdatedAt = true, frame.ID, p.now()
	if err := p.store.PutProcessingRecord(ctx, rec); err != nil {
		log.Error("reduced frame persisted, but processing record not updated", "frame", frame.ID, "error", err)
	}
	log.Info("chip reduced", "frame", frame.ID, "median", frame.QC["median"], "invalid", frame.Provenance.Invalid,
		"interpolated", frame.Provenance.Interpolated)
	res.Status, res.ReducedFrameID, res.Provenance = ChipReduced, frame.ID, &frame.Provenance
	return res
}

func (p *Pipeline) runStages(ctx context.Context, raw *model.RawFrame, inst *model.Instrument, pol Policy, log *slog.Logger) (*model.ReducedFrame, error) {
	plan, err := Plan(raw.FrameType)
	if err != nil {
		return nil, err
	}
	c := &chip{raw: raw, inst: inst, img: raw.Image.Clone(), sel: &calib.Selection{}, policy: pol, log: log}
	for i := range c.img.Data {
		if !c.img.Valid(i) {
			c.img.Data[i] = fits.InvalidPixel
		}
	}
	if needs(plan, StageBias) || needs(plan, StageFlat) {
		if c.sel, err = p.selector.SelectAll(ctx, inst.ID, raw.DateObs); err != nil {
			return nil, err
		}
	}

	for _, s := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := p.apply(ctx, s, c)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", s, err)
		}
		c.prov.Stages = append(c.prov.Stages, rec)
		log.Debug("stage done", "stage", rec.Stage, "ran", rec.Ran, "reason", rec.Reason, "detail", rec.Detail)
	}
	if err := c.img.CheckFinite(); err != nil {
		return nil, fmt.Errorf("reduced image: %w", err)
	}
	c.prov.Invalid = c.img.CountMasked(fits.MaskInvalid)

	s := stats.CalcBasicStats(c.img.Data, c.img.Mask, fits.MaskInvalid)
	f := &model.ReducedFrame{
		ID:           model.NewID(),
		RawFrameID:   raw.ID,
		Chip:         raw.Chip,
		InstrumentID: inst.ID,
		DateObs:      raw.DateObs,
		FrameType:    raw.FrameType,
		Image:        c.img,
		Provenance:   c.prov,
		Quality:      model.QualityUnverified,
		QC: map[string]float64{
			"mean":             float64(s.Mean),
			"median":           float64(s.Median),
			"stddev":           float64(s.StdDev),
			"min":              float64(s.Min),
			"max":              float64(s.Max),
			"invalid_fraction": s.InvalidFraction(),
			"interpolated":     float64(c.prov.Interpolated),
		},
		CreatedAt: p.now(),
	}
	c.img.ID = f.ID
	return f, nil
}
