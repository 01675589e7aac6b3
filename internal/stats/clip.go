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

package stats

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"

	"github.com/mlnoga/nightcal/internal/fits"
)

// Parameters for iterative sigma clipping
type ClipParams struct {
	Sigma      float32 // two-sided normal tail beyond Sigma standard deviations sets the per-sample rejection rate
	Iterations int     // maximum number of samples tested for rejection per pixel
}

func (p ClipParams) String() string {
	return fmt.Sprintf("sigma %.2f iterations %d", p.Sigma, p.Iterations)
}

// Scratch buffers for one goroutine
type clipBuffers struct {
	kept []float32
	f64  []float64

	sigma float32   // Sigma the cached fractions belong to
	frac  []float64 // rejection fraction by sample count, negative if not yet computed
}

func newClipBuffers(n int) *clipBuffers {
	return &clipBuffers{kept: make([]float32, 0, n), f64: make([]float64, 0, n)}
}

func (b *clipBuffers) mean(a []float32) float32 {
	b.f64 = b.f64[:0]
	for _, v := range a {
		b.f64 = append(b.f64, float64(v))
	}
	return float32(stat.Mean(b.f64, nil))
}

// Returns the fraction f of the sum of squared deviations of m samples above
// which a sample's weighted squared deviation m/(m-1)*d^2 is an outlier. This
// is the leave-one-out test |v-mean'| > k*std'*sqrt(1+1/(m-1)) against the
// other m-1 samples, with k the Student's t quantile on m-2 degrees of freedom
// for the two-sided normal tail beyond sigma. Then f = k^2/(m-2+k^2) = 1-x with
// x = I^-1(tail; (m-2)/2, 1/2).
func (b *clipBuffers) rejectFraction(m int, sigma float32) float64 {
	if sigma != b.sigma {
		b.sigma, b.frac = sigma, b.frac[:0]
	}
	for len(b.frac) <= m {
		b.frac = append(b.frac, -1)
	}
	if f := b.frac[m]; f >= 0 {
		return f
	}
	tail := math.Erfc(float64(sigma) / math.Sqrt2)
	if tail > 1 {
		tail = 1
	}
	f := 1 - mathext.InvRegIncBeta(float64(m-2)/2, 0.5, tail)
	b.frac[m] = f
	return f
}

// SigmaClipMean returns the mean of the samples surviving outlier rejection,
// and their number. Each step takes the sample furthest from the mean of the
// remaining ones and tests it against the mean and standard deviation of the
// others, with a Student's t threshold matching a normal tail beyond
// p.Sigma. Up to p.Iterations steps run while three or more samples remain,
// and the sample tested at the last failing step is rejected together with
// all tested before it. On clean normal data about the tail fraction of
// samples is rejected at any stack size.
func SigmaClipMean(samples []float32, p ClipParams) (mean float32, kept int) {
	return sigmaClipMean(samples, p, newClipBuffers(len(samples)))
}

func sigmaClipMean(samples []float32, p ClipParams, b *clipBuffers) (mean float32, kept int) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}
	if n <= 2 || p.Iterations <= 0 {
		return b.mean(samples), n
	}

	// tested samples are swapped to the tail of cur
	cur := append(b.kept[:0], samples...)
	b.kept = cur
	rejected := 0
	for step, m := 0, n; step < p.Iterations && m >= 3; step, m = step+1, m-1 {
		var sum float64
		for _, v := range cur[:m] {
			sum += float64(v)
		}
		mu := sum / float64(m)
		var ssd, worst float64
		wi := 0
		for i, v := range cur[:m] {
			d := float64(v) - mu
			d *= d
			ssd += d
			if d > worst {
				worst, wi = d, i
			}
		}
		if worst*float64(m)/float64(m-1) > b.rejectFraction(m, p.Sigma)*ssd {
			rejected = step + 1
		}
		cur[wi], cur[m-1] = cur[m-1], cur[wi]
	}
	kept = n - rejected
	return b.mean(cur[:kept]), kept
}

// Result of combining a stack of frames
type CombineResult struct {
	Data     []float32
	Mask     []uint8 // nil unless some pixel had no valid sample
	Rejected int64   // number of samples rejected by clipping
}

// CombineSigmaClip stacks equally sized frames pixel by pixel with
// SigmaClipMean. Samples whose mask carries an invalid bit are ignored. A
// pixel without any valid sample becomes invalid. Work is split into bands of
// pixels processed by up to workers goroutines. Once started the combine
// always runs to completion.
func CombineSigmaClip(stack [][]float32, masks [][]uint8, p ClipParams, workers int) (*CombineResult, error) {
	if len(stack) == 0 {
		return nil, fmt.Errorf("empty stack")
	}
	n := len(stack[0])
	for i, s := range stack {
		if len(s) != n {
			return nil, fmt.Errorf("frame %d has %d pixels, frame 0 has %d", i, len(s), n)
		}
		if masks != nil && masks[i] != nil && len(masks[i]) != n {
			return nil, fmt.Errorf("mask %d has %d pixels, want %d", i, len(masks[i]), n)
		}
	}
	if workers < 1 {
		workers = 1
	}

	res := &CombineResult{Data: make([]float32, n)}
	var (
		unfilled   []int
		unfilledMu sync.Mutex
		rejected   int64
	)

	bands := workers * 4
	bandSize := (n + bands - 1) / bands
	if bandSize < 1 {
		bandSize = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += bandSize {
		start, end := start, start+bandSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			b := newClipBuffers(len(stack))
			samples := make([]float32, 0, len(stack))
			var localUnfilled []int
			var localRejected int64
			for i := start; i < end; i++ {
				samples = samples[:0]
				for f, s := range stack {
					if masks != nil && masks[f] != nil && masks[f][i]&fits.MaskInvalid != 0 {
						continue
					}
					samples = append(samples, s[i])
				}
				if len(samples) == 0 {
					res.Data[i] = fits.InvalidPixel
					localUnfilled = append(localUnfilled, i)
					continue
				}
				m, kept := sigmaClipMean(samples, p, b)
				res.Data[i] = m
				localRejected += int64(len(samples) - kept)
			}
			atomic.AddInt64(&rejected, localRejected)
			if len(localUnfilled) > 0 {
				unfilledMu.Lock()
				unfilled = append(unfilled, localUnfilled...)
				unfilledMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Rejected = rejected
	if len(unfilled) > 0 {
		res.Mask = make([]uint8, n)
		for _, i := range unfilled {
			res.Mask[i] |= fits.MaskUnfilled
		}
	}
	return res, nil
}
