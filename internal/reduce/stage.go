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
	"fmt"

	"github.com/mlnoga/nightcal/internal/model"
)

// Identifies one correction stage. The numeric order is the order of application.
type StageID int

const (
	StageOverscan StageID = iota
	StageBias
	StageGain
	StageFlat
	StageBadPixel
	StageCosmicRay
)

var stageNames = [...]string{
	StageOverscan:  "overscan",
	StageBias:      "bias",
	StageGain:      "gain",
	StageFlat:      "flat",
	StageBadPixel:  "badpixel",
	StageCosmicRay: "cosmicray",
}

func (s StageID) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Stages applied to each frame type, in order. A frame is only corrected with
// calibrations built from frame types reduced further up this table.
var stagePlans = map[model.FrameType][]StageID{
	model.FrameBias:    {StageOverscan},
	model.FrameDark:    {StageOverscan, StageBias, StageGain},
	model.FrameFlat:    {StageOverscan, StageBias, StageGain, StageBadPixel},
	model.FrameScience: {StageOverscan, StageBias, StageGain, StageFlat, StageBadPixel, StageCosmicRay},
}

// Plan returns the ordered stages for a frame type
func Plan(ft model.FrameType) ([]StageID, error) {
	plan, ok := stagePlans[ft]
	if !ok {
		return nil, fmt.Errorf("no reduction plan for frame type %s", ft)
	}
	return plan, nil
}

// needs reports whether the plan contains stage s
func needs(plan []StageID, s StageID) bool {
	for _, p := range plan {
		if p == s {
			return true
		}
	}
	return false
}
