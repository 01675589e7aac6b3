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

// Package reduce runs raw multi-chip exposures through the ordered sequence
// of instrument corrections, chip by chip, and records what was applied.
package reduce

import "fmt"

// Operator choices for one reduction run
type Policy struct {
	AllowMissingCalibrations bool `json:"allowMissingCalibrations"` // skip bias, flat or mask stages lacking a calibration, instead of failing the chip
	ApplyBadPixelMask        bool `json:"applyBadPixelMask"`
	RunCosmicRayRejection    bool `json:"runCosmicRayRejection"`
	ApplyGain                bool `json:"applyGain"`
	Force                    bool `json:"force"` // reduce again even if an earlier run of identical input succeeded
}

func (p Policy) String() string {
	return fmt.Sprintf("allowMissing %t badPixelMask %t cosmicRays %t gain %t force %t",
		p.AllowMissingCalibrations, p.ApplyBadPixelMask, p.RunCosmicRayRejection, p.ApplyGain, p.Force)
}
