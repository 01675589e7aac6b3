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

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoCalibrationFound            = errors.New("no calibration found")
	ErrInsufficientCalibrationFrames = errors.New("insufficient calibration frames")
	ErrDimensionMismatch             = errors.New("dimension mismatch")
	ErrMissingCalibration            = errors.New("missing calibration")
	ErrAlreadyVerified               = errors.New("frame already verified")
	ErrInvalidQuality                = errors.New("invalid quality")
	ErrNotFound                      = errors.New("not found")
	ErrDuplicateInstrument           = errors.New("duplicate instrument")
	ErrRetriesExhausted              = errors.New("reduction retries exhausted")
	ErrReductionFailed               = errors.New("reduction failed")
)

// Error carries the instrument, chip and date an operator needs to decide
// whether to override, re-ingest or rebuild. It unwraps to its Kind.
type Error struct {
	Kind       error
	Instrument string
	Chip       int
	HasChip    bool
	Date       time.Time
	Detail     string
	Err        error // underlying cause, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	var ctx []string
	if e.Instrument != "" {
		ctx = append(ctx, "instrument "+e.Instrument)
	}
	if e.HasChip {
		ctx = append(ctx, fmt.Sprintf("chip %d", e.Chip))
	}
	if !e.Date.IsZero() {
		ctx = append(ctx, "date "+e.Date.UTC().Format(time.RFC3339))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// ChipError wraps kind with the context of one chip
func ChipError(kind error, instrument string, chip int, date time.Time, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Instrument: instrument, Chip: chip, HasChip: true, Date: date,
		Detail: fmt.Sprintf(format, args...)}
}

// WithChip attaches the context of one chip to err. Domain errors keep their
// kind and gain the context they lack, others are wrapped as ErrReductionFailed.
func WithChip(err error, instrument string, chip int, date time.Time) error {
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: ErrReductionFailed, Instrument: instrument, Chip: chip, HasChip: true, Date: date, Err: err}
	}
	if e.Instrument == "" {
		e.Instrument = instrument
	}
	if !e.HasChip {
		e.Chip, e.HasChip = chip, true
	}
	if e.Date.IsZero() {
		e.Date = date
	}
	return err
}
