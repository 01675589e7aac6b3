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
	"fmt"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Flags cosmic ray hits. Returns one entry per pixel, true for a hit.
type CosmicRayDetector interface {
	Detect(ctx context.Context, img *fits.Image) ([]bool, error)
}

// Scores each pixel with the probability of being a cosmic ray hit, e.g. a
// trained model served out of process
type Scorer interface {
	Score(ctx context.Context, data []float32, width, height int32) ([]float32, error)
}

// Adapter turning a probability scorer into a detector
type ThresholdDetector struct {
	Scorer    Scorer
	Threshold float32 // probability above which a pixel is flagged
}

// DefaultCosmicThreshold flags pixels scored above 0.5
const DefaultCosmicThreshold = 0.5

func NewThresholdDetector(s Scorer) *ThresholdDetector {
	return &ThresholdDetector{Scorer: s, Threshold: DefaultCosmicThreshold}
}

func (d *ThresholdDetector) Detect(ctx context.Context, img *fits.Image) ([]bool, error) {
	prob, err := d.Scorer.Score(ctx, img.Data, img.Width(), img.Height())
	if err != nil {
		return nil, fmt.Errorf("cosmic ray scorer: %w", err)
	}
	if len(prob) != len(img.Data) {
		return nil, fmt.Errorf("cosmic ray scorer returned %d values for %d pixels", len(prob), len(img.Data))
	}
	hits := make([]bool, len(prob))
	for i, p := range prob {
		hits[i] = p > d.Threshold
	}
	return hits, nil
}

// Flags pixels standing out above the median of their 3x3 neighbourhood by
// more than Sigma times the noise of those differences
type MedianDiffDetector struct {
	Sigma float32
}

func (d *MedianDiffDetector) Detect(ctx context.Context, img *fits.Image) ([]bool, error) {
	w, h := int(img.Width()), int(img.Height())
	diffs := make([]float32, len(img.Data))
	computed := make([]bool, len(img.Data))
	all := make([]float32, 0, len(img.Data))
	nb := make([]float32, 0, 8)
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < w; x++ {
			i := y*w + x
			if !img.Valid(i) {
				continue
			}
			nb = neighbours(img, nil, x, y, 1, nb[:0])
			if len(nb) < 3 {
				continue
			}
			diffs[i] = img.Data[i] - stats.QSelectMedian(nb)
			computed[i] = true
			all = append(all, diffs[i])
		}
	}
	hits := make([]bool, len(img.Data))
	if len(all) == 0 {
		return hits, nil
	}
	center := stats.Median(all)
	noise := 1.4826 * stats.MAD(all, center, make([]float32, 0, len(all)))
	if noise == 0 {
		// most differences coincide, e.g. on synthetic or quantized data
		noise = stats.CalcBasicStats(all, nil, 0).StdDev
	}
	if noise == 0 {
		return hits, nil
	}
	limit := center + d.Sigma*noise
	for i := range hits {
		hits[i] = computed[i] && diffs[i] > limit
	}
	return hits, nil
}

// neighbours appends the valid pixels within radius r of (x,y), excluding
// the center and any pixel set in skip
func neighbours(img *fits.Image, skip []bool, x, y, r int, out []float32) []float32 {
	w, h := int(img.Width()), int(img.Height())
	for dy := -r; dy <= r; dy++ {
		yy := y + dy
		if yy < 0 || yy >= h {
			continue
		}
		for dx := -r; dx <= r; dx++ {
			xx := x + dx
			if xx < 0 || xx >= w || (dx == 0 && dy == 0) {
				continue
			}
			j := yy*w + xx
			if !img.Valid(j) || (skip != nil && skip[j]) {
				continue
			}
			out = append(out, img.Data[j])
		}
	}
	return out
}

// interpolateHits replaces each flagged pixel with the median of its unflagged,
// valid neighbours in the 3x3 box, widening to 5x5 if there are none. Pixels
// without any such neighbour become invalid.
func interpolateHits(img *fits.Image, hits []bool) (interpolated, unfilled int) {
	w := int(img.Width())
	nb := make([]float32, 0, 24)
	for i, hit := range hits {
		if !hit || !img.Valid(i) {
			continue
		}
		x, y := i%w, i/w
		nb = neighbours(img, hits, x, y, 1, nb[:0])
		if len(nb) == 0 {
			nb = neighbours(img, hits, x, y, 2, nb[:0])
		}
		if len(nb) == 0 {
			img.Invalidate(i, fits.MaskUnfilled|fits.MaskCosmicRay)
			unfilled++
			continue
		}
		img.Data[i] = stats.QSelectMedian(nb)
		img.Flag(i, fits.MaskCosmicRay)
		interpolated++
	}
	return interpolated, unfilled
}
