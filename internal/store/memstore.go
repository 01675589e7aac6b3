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

package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mlnoga/nightcal/internal/model"
)

// Compile-time check that MemStore implements Store
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests and single-shot command line runs
type MemStore struct {
	mu          sync.Mutex
	instruments map[string]*model.Instrument
	frames      map[string]*model.ReducedFrame
	masters     map[string]*model.MasterCalibration
	records     map[string]*model.ProcessingRecord
}

// NewMemStore returns a new, empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		instruments: make(map[string]*model.Instrument),
		frames:      make(map[string]*model.ReducedFrame),
		masters:     make(map[string]*model.MasterCalibration),
		records:     make(map[string]*model.ProcessingRecord),
	}
}

func (s *MemStore) AddInstrument(ctx context.Context, inst *model.Instrument) error {
	if inst == nil {
		return errors.New("instrument is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[inst.ID]; ok {
		return &model.Error{Kind: model.ErrDuplicateInstrument, Instrument: inst.String(), Detail: "id " + inst.ID}
	}
	for _, o := range s.instruments {
		if o.Site == inst.Site && o.Camera == inst.Camera {
			return &model.Error{Kind: model.ErrDuplicateInstrument, Instrument: inst.String()}
		}
	}
	cp := *inst
	s.instruments[inst.ID] = &cp
	return nil
}

func (s *MemStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[id]
	if !ok {
		return nil, notFound("instrument", id)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemStore) FindInstrument(ctx context.Context, site, camera string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instruments {
		if inst.Site == site && inst.Camera == camera {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, notFound("instrument", site+"/"+camera)
}

func (s *MemStore) ListInstruments(ctx context.Context) ([]*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyFrame(f *model.ReducedFrame) *model.ReducedFrame {
	cp := *f
	cp.Provenance.Stages = append([]model.StageRecord(nil), f.Provenance.Stages...)
	if f.QC != nil {
		cp.QC = make(map[string]float64, len(f.QC))
		for k, v := range f.QC {
			cp.QC[k] = v
		}
	}
	return &cp
}

func (s *MemStore) InsertReducedFrame(ctx context.Context, f *model.ReducedFrame, supersedes string) error {
	if f == nil {
		return errors.New("reduced frame is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[f.ID]; ok {
		return errors.New("reduced frame " + f.ID + " already exists")
	}
	var old *model.ReducedFrame
	if supersedes != "" {
		var ok bool
		if old, ok = s.frames[supersedes]; !ok {
			return notFound("reduced frame", supersedes)
		}
	}
	s.frames[f.ID] = copyFrame(f)
	if old != nil {
		old.SupersededBy = f.ID
	}
	return nil
}

func (s *MemStore) GetReducedFrame(ctx context.Context, id string) (*model.ReducedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return nil, notFound("reduced frame", id)
	}
	return copyFrame(f), nil
}

func (s *MemStore) ListReducedFrames(ctx context.Context, q FrameQuery) ([]*model.ReducedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.ReducedFrame{}
	for _, f := range s.frames {
		if q.Matches(f) {
			out = append(out, copyFrame(f))
		}
	}
	sortFrames(out)
	return out, nil
}

// order by observation date, then ID, so that listings are deterministic
func sortFrames(fs []*model.ReducedFrame) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].DateObs.Equal(fs[j].DateObs) {
			return fs[i].DateObs.Before(fs[j].DateObs)
		}
		return fs[i].ID < fs[j].ID
	})
}

func (s *MemStore) CompareAndSetQuality(ctx context.Context, id string, from, to model.Quality) (bool, model.Quality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return false, 0, notFound("reduced frame", id)
	}
	if f.Quality != from {
		return false, f.Quality, nil
	}
	f.Quality = to
	return true, to, nil
}

func (s *MemStore) InsertMasterCalibration(ctx context.Context, m *model.MasterCalibration) error {
	if m == nil {
		return errors.New("master calibration is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masters[m.ID]; ok {
		return errors.New("master calibration " + m.ID + " already exists")
	}
	cp := *m
	cp.InputIDs = append([]string(nil), m.InputIDs...)
	s.masters[m.ID] = &cp
	return nil
}

func (s *MemStore) GetMasterCalibration(ctx context.Context, id string) (*model.MasterCalibration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[id]
	if !ok {
		return nil, notFound("master calibration", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) ListMasterCalibrations(ctx context.Context, q CalibrationQuery) ([]*model.MasterCalibration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.MasterCalibration{}
	for _, m := range s.masters {
		if q.Matches(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMasters(out)
	return out, nil
}

// catalog order: by validity start, then ID
func sortMasters(ms []*model.MasterCalibration) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].ValidFrom.Equal(ms[j].ValidFrom) {
			return ms[i].ValidFrom.Before(ms[j].ValidFrom)
		}
		return ms[i].ID < ms[j].ID
	})
}

func (s *MemStore) GetProcessingRecord(ctx context.Context, rawFrameID string) (*model.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[rawFrameID]
	if !ok {
		return nil, notFound("processing record", rawFrameID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) PutProcessingRecord(ctx context.Context, r *model.ProcessingRecord) error {
	if r == nil {
		return errors.New("processing record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.records[r.RawFrameID] = &cp
	return nil
}

func (s *MemStore) Close() error { return nil }
