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

// Package stats holds the order statistics and robust estimators used for
// overscan levels, flat normalisation, quality checks and stacking.
package stats

import (
	"github.com/valyala/fastrand"
)

// QSelect returns the k-th smallest element of a (zero-based), partially
// reordering a in place. Uses random pivots, so the expected running time is
// linear regardless of input order.
func QSelect(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	for left < right {
		pivotIndex := left + int(fastrand.Uint32n(uint32(right-left+1)))
		pivot := a[pivotIndex]
		a[pivotIndex], a[right] = a[right], a[pivotIndex]
		store := left
		for i := left; i < right; i++ {
			if a[i] < pivot {
				a[store], a[i] = a[i], a[store]
				store++
			}
		}
		a[right], a[store] = a[store], a[right]
		switch {
		case k == store:
			return a[k]
		case k < store:
			right = store - 1
		default:
			left = store + 1
		}
	}
	return a[k]
}

// QSelectMedian returns the median of a, reordering a in place. For even
// lengths it returns the mean of the two central elements.
func QSelectMedian(a []float32) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}
	upper := QSelect(a, n/2)
	if n%2 == 1 {
		return upper
	}
	// the lower central element is the maximum of the left partition
	lower := a[0]
	for _, v := range a[1 : n/2] {
		if v > lower {
			lower = v
		}
	}
	return (lower + upper) / 2
}

// Median returns the median of data without modifying it
func Median(data []float32) float32 {
	tmp := append([]float32(nil), data...)
	return QSelectMedian(tmp)
}

// MedianValid returns the median of the pixels whose mask has none of the
// reject bits set, and the number of such pixels. A nil mask accepts all pixels.
func MedianValid(data []float32, mask []uint8, reject uint8) (median float32, n int) {
	tmp := make([]float32, 0, len(data))
	for i, v := range data {
		if mask == nil || mask[i]&reject == 0 {
			tmp = append(tmp, v)
		}
	}
	if len(tmp) == 0 {
		return 0, 0
	}
	return QSelectMedian(tmp), len(tmp)
}

// MAD returns the median absolute deviation of a around center, using buf as scratch space
func MAD(a []float32, center float32, buf []float32) float32 {
	buf = buf[:0]
	for _, v := range a {
		d := v - center
		if d < 0 {
			d = -d
		}
		buf = append(buf, d)
	}
	return QSelectMedian(buf)
}
