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

	"gonum.org/v1/gonum/stat"
)

// Basic statistics over the valid pixels of an image
type BasicStats struct {
	Min    float32
	Max    float32
	Mean   float32
	StdDev float32
	Median float32
	Valid  int // number of pixels taken into account
	Total  int
}

func (s *BasicStats) String() string {
	return fmt.Sprintf("Min %.4g Max %.4g Mean %.4g StdDev %.4g Median %.4g Valid %d/%d",
		s.Min, s.Max, s.Mean, s.StdDev, s.Median, s.Valid, s.Total)
}

// InvalidFraction returns the share of pixels not taken into account
func (s *BasicStats) InvalidFraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Total-s.Valid) / float64(s.Total)
}

// CalcBasicStats calculates statistics over all pixels whose mask has none of the reject bits set
func CalcBasicStats(data []float32, mask []uint8, reject uint8) *BasicStats {
	s := &BasicStats{Total: len(data), Min: float32(math.MaxFloat32), Max: -float32(math.MaxFloat32)}
	vals := make([]float64, 0, len(data))
	for i, v := range data {
		if mask != nil && mask[i]&reject != 0 {
			continue
		}
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		vals = append(vals, float64(v))
	}
	s.Valid = len(vals)
	if s.Valid == 0 {
		s.Min, s.Max = 0, 0
		return s
	}
	if s.Valid == 1 {
		s.Mean = float32(vals[0])
	} else {
		mean, std := stat.MeanStdDev(vals, nil)
		s.Mean, s.StdDev = float32(mean), float32(std)
	}
	s.Median, _ = MedianValid(data, mask, reject)
	return s
}

// Mode estimates the peak of the histogram of valid pixels. The histogram spans
// the median plus or minus five standard deviations with the given number of bins,
// which keeps hot pixels and saturated regions from stretching the bins.
func Mode(data []float32, mask []uint8, reject uint8, bins int) float32 {
	s := CalcBasicStats(data, mask, reject)
	if s.Valid == 0 || s.StdDev == 0 || bins < 1 {
		return s.Median
	}
	lo := s.Median - 5*s.StdDev
	hi := s.Median + 5*s.StdDev
	width := (hi - lo) / float32(bins)
	hist := make([]int, bins)
	for i, v := range data {
		if (mask != nil && mask[i]&reject != 0) || v < lo || v >= hi {
			continue
		}
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}
	peak := 0
	for b, c := range hist {
		if c > hist[peak] {
			peak = b
		}
	}
	return lo + (float32(peak)+0.5)*width
}
