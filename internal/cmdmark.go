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

package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/quality"
	"github.com/mlnoga/nightcal/internal/store"
)

// Perform mark command. Sets the quality of the given reduced frames to GOOD
// or BAD, or evaluates them with the automated check if verdict is "auto".
// Without frame IDs, the automated check runs on all unverified frames.
// Returns the number of frames that could not be marked.
func CmdMark(ctx context.Context, env *Env, ids []string, verdict string, check quality.CheckParams) (int, error) {
	auto := strings.EqualFold(verdict, "auto")
	var q model.Quality
	if !auto {
		var err error
		if q, err = model.ParseQuality(verdict); err != nil {
			return 0, err
		}
	}
	if len(ids) == 0 {
		if !auto {
			return 0, errors.New("frame IDs required unless marking automatically")
		}
		unverified := model.QualityUnverified
		frames, err := env.Store.ListReducedFrames(ctx, store.FrameQuery{Quality: &unverified})
		if err != nil {
			return 0, err
		}
		for _, f := range frames {
			ids = append(ids, f.ID)
		}
		LogPrintf("Checking %d unverified frames with %s", len(ids), check.String())
	}

	failed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if auto {
			v, err := env.Gate.AutoCheck(ctx, id, check)
			if err != nil {
				LogPrintf("%s: Error: %s", id, err)
				failed++
				continue
			}
			LogPrintf("%s: %s %s", id, v.Quality, v.Reason)
			continue
		}
		if err := env.Gate.Mark(ctx, id, q); err != nil {
			LogPrintf("%s: Error: %s", id, err)
			failed++
			continue
		}
		LogPrintf("%s: %s", id, q)
	}
	if failed > 0 {
		return failed, fmt.Errorf("%d of %d frames not marked", failed, len(ids))
	}
	return 0, nil
}
