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
	"io"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/mlnoga/nightcal/internal/model"
)

// Outcome of one chip
type ChipStatus int

const (
	ChipReduced ChipStatus = iota // reduced and persisted
	ChipSkipped                   // identical input reduced successfully before
	ChipFailed
)

func (s ChipStatus) String() string {
	switch s {
	case ChipReduced:
		return "reduced"
	case ChipSkipped:
		return "skipped"
	case ChipFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s ChipStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result for one chip of an exposure
type ChipResult struct {
	Chip           int               `json:"chip"`
	RawFrameID     string            `json:"rawFrameId"`
	Instrument     string            `json:"instrument,omitempty"`
	DateObs        time.Time         `json:"dateObs"`
	Status         ChipStatus        `json:"status"`
	ReducedFrameID string            `json:"reducedFrameId,omitempty"`
	Provenance     *model.Provenance `json:"provenance,omitempty"`
	Err            error             `json:"-"`
	Error          string            `json:"error,omitempty"` // Err rendered for JSON
}

// Per-chip report for one exposure, ordered by chip
type Manifest struct {
	ExposureID string       `json:"exposureId"`
	Policy     Policy       `json:"policy"`
	Chips      []ChipResult `json:"chips"`
}

// Failed returns the results of all failed chips
func (m *Manifest) Failed() []ChipResult {
	var out []ChipResult
	for _, c := range m.Chips {
		if c.Status == ChipFailed {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of chips with the given status
func (m *Manifest) Count(s ChipStatus) int {
	n := 0
	for _, c := range m.Chips {
		if c.Status == s {
			n++
		}
	}
	return n
}

func (m *Manifest) String() string {
	return fmt.Sprintf("exposure %s: %d reduced, %d skipped, %d failed",
		m.ExposureID, m.Count(ChipReduced), m.Count(ChipSkipped), m.Count(ChipFailed))
}

// One line of the CSV export
type ManifestRow struct {
	Exposure     string `csv:"exposure"`
	Chip         int    `csv:"chip"`
	RawFrame     string `csv:"raw_frame"`
	Instrument   string `csv:"instrument"`
	DateObs      string `csv:"date_obs"`
	Status       string `csv:"status"`
	ReducedFrame string `csv:"reduced_frame"`
	Stages       string `csv:"stages"`
	BiasID       string `csv:"bias"`
	FlatID       string `csv:"flat"`
	Interpolated int    `csv:"interpolated"`
	Invalid      int    `csv:"invalid"`
	Error        string `csv:"error"`
}

// Rows flattens the manifest for export
func (m *Manifest) Rows() []ManifestRow {
	rows := make([]ManifestRow, len(m.Chips))
	for i, c := range m.Chips {
		r := ManifestRow{Exposure: m.ExposureID, Chip: c.Chip, RawFrame: c.RawFrameID,
			Instrument: c.Instrument, Status: c.Status.String(), ReducedFrame: c.ReducedFrameID}
		if !c.DateObs.IsZero() {
			r.DateObs = c.DateObs.UTC().Format(time.RFC3339)
		}
		if c.Provenance != nil {
			stages := make([]string, len(c.Provenance.Stages))
			for j, s := range c.Provenance.Stages {
				if s.Ran {
					stages[j] = s.Stage
				} else {
					stages[j] = "-" + s.Stage
				}
			}
			r.Stages = strings.Join(stages, " ")
			r.BiasID, r.FlatID = c.Provenance.BiasID, c.Provenance.FlatID
			r.Interpolated, r.Invalid = c.Provenance.Interpolated, c.Provenance.Invalid
		}
		if c.Err != nil {
			r.Error = c.Err.Error()
		}
		rows[i] = r
	}
	return rows
}

// WriteCSV writes the manifest as CSV with a header line
func (m *Manifest) WriteCSV(w io.Writer) error {
	b, err := csvutil.Marshal(m.Rows())
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = w.Write(b)
	return err
}
