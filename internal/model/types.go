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

// Package model holds the frames, calibrations and instruments the reduction
// engine works on, and the error taxonomy it reports with.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mlnoga/nightcal/internal/fits"
)

// NewID returns a fresh random identifier for frames and calibrations
func NewID() string { return uuid.NewString() }

// Frame type of an exposure, as given by the OBSTYPE header
type FrameType int

const (
	FrameAny     FrameType = iota // Wildcard in queries, never stored
	FrameBias                     // Zero-second readout
	FrameDark                     // Closed-shutter exposure
	FrameFlat                     // Uniformly illuminated exposure
	FrameScience                  // On-sky exposure
)

var frameTypeNames = map[FrameType]string{
	FrameAny:     "any",
	FrameBias:    "bias",
	FrameDark:    "dark",
	FrameFlat:    "flat",
	FrameScience: "science",
}

func (t FrameType) String() string {
	if s, ok := frameTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("frametype(%d)", int(t))
}

// ParseFrameType accepts both our own names and the OBSTYPE values written by the cameras
func ParseFrameType(s string) (FrameType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BIAS", "ZERO":
		return FrameBias, nil
	case "DARK":
		return FrameDark, nil
	case "FLAT", "SKYFLAT", "LAMPFLAT", "DOMEFLAT":
		return FrameFlat, nil
	case "SCIENCE", "EXPOSE", "OBJECT", "STANDARD":
		return FrameScience, nil
	}
	return FrameAny, fmt.Errorf("unknown frame type %q", s)
}

// Type of a master calibration frame
type CalibrationType int

const (
	CalBias CalibrationType = iota + 1
	CalFlat
)

func (c CalibrationType) String() string {
	switch c {
	case CalBias:
		return "bias"
	case CalFlat:
		return "flat"
	}
	return fmt.Sprintf("caltype(%d)", int(c))
}

// FrameType returns the type of the frames a master of this type is stacked from
func (c CalibrationType) FrameType() FrameType {
	switch c {
	case CalBias:
		return FrameBias
	case CalFlat:
		return FrameFlat
	}
	return FrameAny
}

func ParseCalibrationType(s string) (CalibrationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bias":
		return CalBias, nil
	case "flat":
		return CalFlat, nil
	}
	return 0, fmt.Errorf("unknown calibration type %q", s)
}

// Quality flag of a reduced frame. Moves from unverified to good or bad exactly once.
type Quality int

const (
	QualityUnverified Quality = iota
	QualityGood
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityUnverified:
		return "UNVERIFIED"
	case QualityGood:
		return "GOOD"
	case QualityBad:
		return "BAD"
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

func ParseQuality(s string) (Quality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNVERIFIED":
		return QualityUnverified, nil
	case "GOOD":
		return QualityGood, nil
	case "BAD":
		return QualityBad, nil
	}
	return 0, &Error{Kind: ErrInvalidQuality, Detail: fmt.Sprintf("%q", s)}
}

// One physical detector chip
type Instrument struct {
	ID     string `json:"id"`
	Site   string `json:"site"`
	Camera string `json:"camera"`
	Type   string `json:"type"`
}

func (i *Instrument) String() string {
	return fmt.Sprintf("%s/%s", i.Site, i.Camera)
}

// One observed exposure of one chip, as supplied by ingestion
type RawFrame struct {
	ID           string
	ExposureID   string
	Chip         int
	InstrumentID string // may be empty, then resolved from SITEID and INSTRUME headers
	DateObs      time.Time
	FrameType    FrameType
	Image        *fits.Image
}

// Checksum identifies the content of the raw frame, so unchanged frames need not be reduced twice
func (r *RawFrame) Checksum() string {
	h := sha256.New()
	if r.Image != nil {
		buf := make([]byte, 4)
		for _, n := range r.Image.Naxisn {
			binary.LittleEndian.PutUint32(buf, uint32(n))
			h.Write(buf)
		}
		for _, v := range r.Image.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			h.Write(buf)
		}
		keys := make([]string, 0, len(r.Image.Header))
		for k := range r.Image.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%v;", k, r.Image.Header[k])
		}
	}
	fmt.Fprintf(h, "%s|%d|%s", r.FrameType, r.Chip, r.DateObs.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// Record of one reduction stage for one chip
type StageRecord struct {
	Stage  string `json:"stage"`
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Which calibrations and stages produced a reduced frame
type Provenance struct {
	Stages       []StageRecord `json:"stages"`
	BiasID       string        `json:"biasId,omitempty"`
	FlatID       string        `json:"flatId,omitempty"`
	Interpolated int           `json:"interpolated"`
	Invalid      int           `json:"invalid"`
}

// Ran reports whether the named stage was applied
func (p *Provenance) Ran(stage string) bool {
	for _, s := range p.Stages {
		if s.Stage == stage {
			return s.Ran
		}
	}
	return false
}

// Output of running the pipeline on one raw chip
type ReducedFrame struct {
	ID           string
	RawFrameID   string
	ExposureID   string
	Chip         int
	InstrumentID string
	DateObs      time.Time
	FrameType    FrameType
	Image        *fits.Image
	Provenance   Provenance
	Quality      Quality
	QC           map[string]float64
	CreatedAt    time.Time
	SupersededBy string
}

// A stacked bias or flat. Immutable once persisted.
type MasterCalibration struct {
	ID           string
	InstrumentID string
	Type         CalibrationType
	ValidFrom    time.Time
	ValidTo      time.Time
	DateObs      time.Time // mean observation time of the inputs
	NumInputs    int
	InputIDs     []string
	Image        *fits.Image
	Sigma        float32
	Iterations   int
	CreatedAt    time.Time
}

// Contains reports whether t lies within the validity window, bounds inclusive
func (m *MasterCalibration) Contains(t time.Time) bool {
	return !t.Before(m.ValidFrom) && !t.After(m.ValidTo)
}

// Distance from t to the validity window, zero if contained
func (m *MasterCalibration) Distance(t time.Time) time.Duration {
	switch {
	case t.Before(m.ValidFrom):
		return m.ValidFrom.Sub(t)
	case t.After(m.ValidTo):
		return t.Sub(m.ValidTo)
	}
	return 0
}

func (m *MasterCalibration) String() string {
	return fmt.Sprintf("%s %s [%s,%s] n=%d", m.ID, m.Type,
		m.ValidFrom.UTC().Format(time.RFC3339), m.ValidTo.UTC().Format(time.RFC3339), m.NumInputs)
}

// Reduction bookkeeping per raw frame
type ProcessingRecord struct {
	RawFrameID     string
	Checksum       string
	Tries          int
	Success        bool
	ReducedFrameID string
	UpdatedAt      time.Time
}
