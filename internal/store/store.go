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

// Package store persists instruments, reduced frames, master calibrations and
// reduction bookkeeping behind one injectable interface, with an in-memory
// implementation for tests and a database/sql implementation for sqlite and mysql.
package store

import (
	"context"
	"time"

	"github.com/mlnoga/nightcal/internal/model"
)

// Selects reduced frames. Zero values match everything.
type FrameQuery struct {
	InstrumentID      string
	ExposureID        string
	FrameType         model.FrameType
	Quality           *model.Quality
	From, To          time.Time // inclusive observation date bounds, ignored when zero
	IncludeSuperseded bool
}

// Matches reports whether f satisfies the query
func (q *FrameQuery) Matches(f *model.ReducedFrame) bool {
	if q.InstrumentID != "" && f.InstrumentID != q.InstrumentID {
		return false
	}
	if q.ExposureID != "" && f.ExposureID != q.ExposureID {
		return false
	}
	if q.FrameType != model.FrameAny && f.FrameType != q.FrameType {
		return false
	}
	if q.Quality != nil && f.Quality != *q.Quality {
		return false
	}
	if !q.From.IsZero() && f.DateObs.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && f.DateObs.After(q.To) {
		return false
	}
	if !q.IncludeSuperseded && f.SupersededBy != "" {
		return false
	}
	return true
}

// Selects master calibrations. Zero values match everything.
type CalibrationQuery struct {
	InstrumentID string
	Type         model.CalibrationType
}

func (q *CalibrationQuery) Matches(m *model.MasterCalibration) bool {
	return (q.InstrumentID == "" || m.InstrumentID == q.InstrumentID) && (q.Type == 0 || m.Type == q.Type)
}

// Store is the persistence boundary of the engine. Images returned by readers
// are shared with the store and must not be modified.
type Store interface {
	AddInstrument(ctx context.Context, inst *model.Instrument) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	FindInstrument(ctx context.Context, site, camera string) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]*model.Instrument, error)

	// InsertReducedFrame stores f and, if supersedes is non-empty, stamps that
	// frame as superseded by f in the same atomic step.
	InsertReducedFrame(ctx context.Context, f *model.ReducedFrame, supersedes string) error
	GetReducedFrame(ctx context.Context, id string) (*model.ReducedFrame, error)
	ListReducedFrames(ctx context.Context, q FrameQuery) ([]*model.ReducedFrame, error)
	// CompareAndSetQuality sets the quality of frame id to to, only if it is
	// currently from. Returns whether it swapped, and the quality after the call.
	CompareAndSetQuality(ctx context.Context, id string, from, to model.Quality) (swapped bool, current model.Quality, err error)

	// InsertMasterCalibration makes m visible to readers in one atomic step
	InsertMasterCalibration(ctx context.Context, m *model.MasterCalibration) error
	GetMasterCalibration(ctx context.Context, id string) (*model.MasterCalibration, error)
	ListMasterCalibrations(ctx context.Context, q CalibrationQuery) ([]*model.MasterCalibration, error)

	GetProcessingRecord(ctx context.Context, rawFrameID string) (*model.ProcessingRecord, error)
	PutProcessingRecord(ctx context.Context, r *model.ProcessingRecord) error

	Close() error
}

func notFound(what, id string) error {
	return &model.Error{Kind: model.ErrNotFound, Detail: what + " " + id}
}
