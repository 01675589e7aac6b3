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
	"math"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Working state of one chip while its stages run
type chip struct {
	raw    *model.RawFrame
	inst   *model.Instrument
	img    *fits.Image
	sel    *calib.Selection
	policy Policy
	prov   model.Provenance
	log    *slog.Logger
}

func ran(s StageID, format string, args ...interface{}) model.StageRecord {
	return model.StageRecord{Stage: s.String(), Ran: true, Detail: fmt.Sprintf(format, args...)}
}

func skipped(s StageID, reason string) model.StageRecord {
	return model.StageRecord{Stage: s.String(), Reason: reason}
}

func (c *chip) fail(kind error, format string, args ...interface{}) *model.Error {
	return model.ChipError(kind, c.inst.String(), c.raw.Chip, c.raw.DateObs, format, args...)
}

// missing applies the missing-calibration policy to stage s
func (c *chip) missing(s StageID, what string, cause error) (model.StageRecord, error) {
	if c.policy.AllowMissingCalibrations {
		c.log.Warn("skipping stage without calibration", "stage", s.String(), "missing", what)
		return skipped(s, "missing "+what), nil
	}
	e := c.fail(model.ErrMissingCalibration, "%s", what)
	e.Err = cause
	return model.StageRecord{}, e
}

func (p *Pipeline) apply(ctx context.Context, s StageID, c *chip) (model.StageRecord, error) {
	switch s {
	case StageOverscan:
		return c.overscan()
	case StageBias:
		return c.subtractBias()
	case StageGain:
		return c.gain()
	case StageFlat:
		return c.divideFlat(p.params.MinFlatValue)
	case StageBadPixel:
		return c.maskBadPixels(ctx, p.masks)
	case StageCosmicRay:
		return c.rejectCosmicRays(ctx, p.cosmic)
	}
	return model.StageRecord{}, fmt.Errorf("unknown stage %s", s)
}

func inside(r fits.Region, img *fits.Image) bool {
	return r.X0 >= 0 && r.Y0 >= 0 && r.X1 <= img.Width() && r.Y1 <= img.Height() && r.X0 < r.X1 && r.Y0 < r.Y1
}

// overscan subtracts the median level of the BIASSEC region, then crops to TRIMSEC
func (c *chip) overscan() (model.StageRecord, error) {
	bs, _ := c.img.Header.GetString("BIASSEC")
	ts, _ := c.img.Header.GetString("TRIMSEC")
	biassec, hasBias, err := fits.ParseRegion(bs)
	if err != nil {
		return model.StageRecord{}, err
	}
	trimsec, hasTrim, err := fits.ParseRegion(ts)
	if err != nil {
		return model.StageRecord{}, err
	}
	if !hasBias && !hasTrim {
		return skipped(StageOverscan, "no overscan section"), nil
	}

	var level float32
	if hasBias {
		if !inside(biassec, c.img) {
			return model.StageRecord{}, fmt.Errorf("BIASSEC %s outside %dx%d image", biassec, c.img.Width(), c.img.Height())
		}
		vals := c.img.Values(biassec)
		if len(vals) == 0 {
			return model.StageRecord{}, fmt.Errorf("BIASSEC %s holds no valid pixels", biassec)
		}
		level = stats.Median(vals)
		for i := range c.img.Data {
			if c.img.Valid(i) {
				c.img.Data[i] -= level
			}
		}
		c.img.Header["OVERSCAN"] = float64(level)
		delete(c.img.Header, "BIASSEC")
	}
	if hasTrim {
		if !inside(trimsec, c.img) {
			return model.StageRecord{}, fmt.Errorf("TRIMSEC %s outside %dx%d image", trimsec, c.img.Width(), c.img.Height())
		}
		cropped, err := c.img.Crop(trimsec)
		if err != nil {
			return model.StageRecord{}, err
		}
		delete(cropped.Header, "TRIMSEC")
		c.img = cropped
	}
	return ran(StageOverscan, "level %.2f trimmed to %dx%d", level, c.img.Width(), c.img.Height()), nil
}

func (c *chip) subtractBias() (model.StageRecord, error) {
	m := c.sel.Bias
	if m == nil {
		return c.missing(StageBias, "master bias", c.sel.BiasErr)
	}
	if !m.Image.SameSize(c.img) {
		return model.StageRecord{}, c.fail(model.ErrDimensionMismatch, "image %v, master bias %s %v", c.img.Naxisn, m.ID, m.Image.Naxisn)
	}
	for i := range c.img.Data {
		if !c.img.Valid(i) {
			continue
		}
		if !m.Image.Valid(i) {
			c.img.Invalidate(i, fits.MaskUnfilled)
			continue
		}
		c.img.Data[i] -= m.Image.Data[i]
	}
	c.prov.BiasID = m.ID
	c.img.Header["L1IDBIAS"] = m.ID
	return ran(StageBias, "master %s", m.ID), nil
}

func (c *chip) gain() (model.StageRecord, error) {
	if !c.policy.ApplyGain {
		return skipped(StageGain, "disabled by policy"), nil
	}
	g, ok := c.img.Header.GetFloat("GAIN")
	if !ok || g <= 0 {
		return skipped(StageGain, "no GAIN header"), nil
	}
	gain := float32(g)
	for i := range c.img.Data {
		if c.img.Valid(i) {
			c.img.Data[i] *= gain
		}
	}
	c.img.Header["GAIN"] = 1.0
	c.img.Header["BUNIT"] = "ELECTRONS"
	return ran(StageGain, "gain %.3f", gain), nil
}

// divideFlat divides by the master flat. Pixels whose flat value is below
// minFlat in magnitude become invalid.
func (c *chip) divideFlat(minFlat float32) (model.StageRecord, error) {
	m := c.sel.Flat
	if m == nil {
		return c.missing(StageFlat, "master flat", c.sel.FlatErr)
	}
	if !m.Image.SameSize(c.img) {
		return model.StageRecord{}, c.fail(model.ErrDimensionMismatch, "image %v, master flat %s %v", c.img.Naxisn, m.ID, m.Image.Naxisn)
	}
	invalid := 0
	for i := range c.img.Data {
		if !c.img.Valid(i) {
			continue
		}
		f := m.Image.Data[i]
		if !m.Image.Valid(i) || float32(math.Abs(float64(f))) < minFlat {
			c.img.Invalidate(i, fits.MaskInvalidFlat)
			invalid++
			continue
		}
		c.img.Data[i] /= f
	}
	c.prov.FlatID = m.ID
	c.img.Header["L1IDFLAT"] = m.ID
	return ran(StageFlat, "master %s, %d pixels invalid", m.ID, invalid), nil
}

func (c *chip) maskBadPixels(ctx context.Context, masks MaskSource) (model.StageRecord, error) {
	if !c.policy.ApplyBadPixelMask {
		return skipped(StageBadPixel, "disabled by policy"), nil
	}
	if masks == nil {
		return c.missing(StageBadPixel, "bad pixel mask", nil)
	}
	bpm, err := masks.BadPixelMask(ctx, c.inst)
	if errors.Is(err, model.ErrNotFound) {
		return c.missing(StageBadPixel, "bad pixel mask", err)
	}
	if err != nil {
		return model.StageRecord{}, err
	}
	if !bpm.SameSize(c.img) {
		return model.StageRecord{}, c.fail(model.ErrDimensionMismatch, "image %v, bad pixel mask %v", c.img.Naxisn, bpm.Naxisn)
	}
	n := 0
	for i, v := range bpm.Data {
		if v != 0 {
			c.img.Invalidate(i, fits.MaskBadPixel)
			n++
		}
	}
	return ran(StageBadPixel, "%d pixels masked", n), nil
}

func (c *chip) rejectCosmicRays(ctx context.Context, det CosmicRayDetector) (model.StageRecord, error) {
	if !c.policy.RunCosmicRayRejection {
		return skipped(StageCosmicRay, "disabled by policy"), nil
	}
	if det == nil {
		return model.StageRecord{}, errors.New("cosmic ray rejection requested, but no detector configured")
	}
	hits, err := det.Detect(ctx, c.img)
	if err != nil {
		return model.StageRecord{}, err
	}
	if len(hits) != len(c.img.Data) {
		return model.StageRecord{}, fmt.Errorf("cosmic ray detector returned %d flags for %d pixels", len(hits), len(c.img.Data))
	}
	interpolated, unfilled := interpolateHits(c.img, hits)
	c.prov.Interpolated += interpolated
	return ran(StageCosmicRay, "%d pixels interpolated, %d unfilled", interpolated, unfilled), nil
}
