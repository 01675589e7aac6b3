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

package fits

import (
	"fmt"
	"strconv"
	"strings"
)

// Rectangular pixel region, zero-based and half-open: [X0,X1) x [Y0,Y1)
type Region struct {
	X0, X1, Y0, Y1 int32
}

func (r Region) String() string {
	// back to the one-based, inclusive header notation
	return fmt.Sprintf("[%d:%d,%d:%d]", r.X0+1, r.X1, r.Y0+1, r.Y1)
}

// ParseRegion converts a header section keyword such as BIASSEC or TRIMSEC of the
// form [x1:x2,y1:y2] into a region. Bounds are one-based and inclusive, and may be
// given in descending order for flipped readouts. Returns ok=false for the
// placeholder values UNKNOWN and N/A.
func ParseRegion(value string) (r Region, ok bool, err error) {
	v := strings.TrimSpace(value)
	switch strings.ToLower(v) {
	case "", "unknown", "n/a":
		return Region{}, false, nil
	}
	if len(v) < 2 || v[0] != '[' || v[len(v)-1] != ']' {
		return Region{}, false, fmt.Errorf("section %q not of the form [x1:x2,y1:y2]", value)
	}
	parts := strings.Split(v[1:len(v)-1], ",")
	if len(parts) != 2 {
		return Region{}, false, fmt.Errorf("section %q not of the form [x1:x2,y1:y2]", value)
	}
	x0, x1, err := parseSpan(parts[0])
	if err != nil {
		return Region{}, false, fmt.Errorf("section %q: %w", value, err)
	}
	y0, y1, err := parseSpan(parts[1])
	if err != nil {
		return Region{}, false, fmt.Errorf("section %q: %w", value, err)
	}
	return Region{X0: x0, X1: x1, Y0: y0, Y1: y1}, true, nil
}

func parseSpan(s string) (lo, hi int32, err error) {
	ends := strings.Split(strings.TrimSpace(s), ":")
	if len(ends) != 2 {
		return 0, 0, fmt.Errorf("span %q not of the form a:b", s)
	}
	a, err := strconv.Atoi(strings.TrimSpace(ends[0]))
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.Atoi(strings.TrimSpace(ends[1]))
	if err != nil {
		return 0, 0, err
	}
	if b < a {
		a, b = b, a
	}
	if a < 1 {
		return 0, 0, fmt.Errorf("span %q starts before pixel 1", s)
	}
	return int32(a - 1), int32(b), nil
}
