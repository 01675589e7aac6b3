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
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers driver "mysql"
	_ "modernc.org/sqlite"             // registers driver "sqlite"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/model"
)

// Compile-time check that SQLStore implements Store
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on database/sql, for the sqlite and mysql drivers
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database with the given driver ("sqlite" or "mysql")
// and creates missing tables
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer at a time, and keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, dialect: d}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory sqlite database, for tests
func OpenMemory(ctx context.Context) (*SQLStore, error) {
	return Open(ctx, "sqlite", ":memory:")
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.statements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func encodeFloats(a []float32) []byte {
	b := make([]byte, 4*len(a))
	for i, v := range a {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func decodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("pixel blob of %d bytes is not a multiple of 4", len(b))
	}
	a := make([]float32, len(b)/4)
	for i := range a {
		a[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return a, nil
}

// Header values round-trip through JSON numbers. Integral floats carry a
// decimal point so that integer cards decode as int64 and real cards as float64.
func encodeHeader(h fits.Header) ([]byte, error) {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		switch f := v.(type) {
		case float32:
			out[k] = floatNumber(float64(f))
		case float64:
			out[k] = floatNumber(f)
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}

func floatNumber(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f // rejected by the encoder
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

func decodeHeader(s string) (fits.Header, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var h fits.Header
	if err := dec.Decode(&h); err != nil {
		return nil, err
	}
	for k, v := range h {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if !strings.ContainsAny(string(n), ".eE") {
			if i, err := n.Int64(); err == nil {
				h[k] = i
				continue
			}
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("card %s: %w", k, err)
		}
		h[k] = f
	}
	return h, nil
}

// columns holding an image
type imageColumns struct {
	name          string
	width, height int32
	header        sql.NullString
	pixels        []byte
	mask          []byte
}

func imageToColumns(img *fits.Image) (*imageColumns, error) {
	if img == nil || len(img.Naxisn) != 2 {
		return nil, errors.New("image missing or not two-dimensional")
	}
	hdr, err := encodeHeader(img.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	c := &imageColumns{
		name: img.ID, width: img.Naxisn[0], height: img.Naxisn[1],
		header: sql.NullString{String: string(hdr), Valid: true},
		pixels: encodeFloats(img.Data),
	}
	if img.Mask != nil {
		c.mask = append([]byte(nil), img.Mask...)
	}
	return c, nil
}

func (c *imageColumns) toImage() (*fits.Image, error) {
	data, err := decodeFloats(c.pixels)
	if err != nil {
		return nil, err
	}
	img, err := fits.NewImageFromData(c.width, c.height, data)
	if err != nil {
		return nil, err
	}
	img.ID = c.name
	if c.header.Valid && c.header.String != "" {
		hdr, err := decodeHeader(c.header.String)
		if err != nil {
			return nil, fmt.Errorf("decode header: %w", err)
		}
		img.Header = hdr
	}
	if len(c.mask) > 0 {
		if int32(len(c.mask)) != img.Pixels {
			return nil, fmt.Errorf("mask of %d bytes for %d pixels", len(c.mask), img.Pixels)
		}
		img.Mask = append([]uint8(nil), c.mask...)
	}
	return img, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

func (s *SQLStore) AddInstrument(ctx context.Context, inst *model.Instrument) error {
	if inst == nil {
		return errors.New("instrument is nil")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO instruments (id, site, camera, type) VALUES (?, ?, ?, ?)`,
		inst.ID, inst.Site, inst.Camera, inst.Type)
	if err != nil {
		if isUniqueViolation(err) {
			return &model.Error{Kind: model.ErrDuplicateInstrument, Instrument: inst.String()}
		}
		return fmt.Errorf("insert instrument: %w", err)
	}
	return nil
}

func scanInstrument(row interface{ Scan(...interface{}) error }) (*model.Instrument, error) {
	var inst model.Instrument
	if err := row.Scan(&inst.ID, &inst.Site, &inst.Camera, &inst.Type); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *SQLStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, site, camera, type FROM instruments WHERE id = ?`, id)
	inst, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("instrument", id)
	}
	return inst, err
}

func (s *SQLStore) FindInstrument(ctx context.Context, site, camera string) (*model.Instrument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, site, camera, type FROM instruments WHERE site = ? AND camera = ?`, site, camera)
	inst, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("instrument", site+"/"+camera)
	}
	return inst, err
}

func (s *SQLStore) ListInstruments(ctx context.Context) ([]*model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, site, camera, type FROM instruments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()
	out := []*model.Instrument{}
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

const frameColumns = `id, raw_frame_id, exposure_id, chip, instrument_id, date_obs, frame_type, quality,
	image_name, width, height, header, pixels, mask, provenance, qc, created_at, superseded_by`

func (s *SQLStore) InsertReducedFrame(ctx context.Context, f *model.ReducedFrame, supersedes string) error {
	if f == nil {
		return errors.New("reduced frame is nil")
	}
	ic, err := imageToColumns(f.Image)
	if err != nil {
		return fmt.Errorf("reduced frame %s: %w", f.ID, err)
	}
	prov, err := json.Marshal(f.Provenance)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	qc, err := json.Marshal(f.QC)
	if err != nil {
		return fmt.Errorf("encode qc: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO reduced_frames (`+frameColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.RawFrameID, f.ExposureID, f.Chip, f.InstrumentID, toNanos(f.DateObs), int(f.FrameType), int(f.Quality),
		ic.name, ic.width, ic.height, ic.header, ic.pixels, ic.mask, string(prov), string(qc),
		toNanos(f.CreatedAt), f.SupersededBy)
	if err != nil {
		return fmt.Errorf("insert reduced frame: %w", err)
	}
	if supersedes != "" {
		res, err := tx.ExecContext(ctx, `UPDATE reduced_frames SET superseded_by = ? WHERE id = ?`, f.ID, supersedes)
		if err != nil {
			return fmt.Errorf("supersede reduced frame: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound("reduced frame", supersedes)
		}
	}
	return tx.Commit()
}

func scanFrame(row interface{ Scan(...interface{}) error }) (*model.ReducedFrame, error) {
	var (
		f                  model.ReducedFrame
		dateObs, created   int64
		frameType, quality int
		ic                 imageColumns
		prov, qc           sql.NullString
	)
	err := row.Scan(&f.ID, &f.RawFrameID, &f.ExposureID, &f.Chip, &f.InstrumentID, &dateObs, &frameType, &quality,
		&ic.name, &ic.width, &ic.height, &ic.header, &ic.pixels, &ic.mask, &prov, &qc, &created, &f.SupersededBy)
	if err != nil {
		return nil, err
	}
	f.DateObs, f.CreatedAt = fromNanos(dateObs), fromNanos(created)
	f.FrameType, f.Quality = model.FrameType(frameType), model.Quality(quality)
	if f.Image, err = ic.toImage(); err != nil {
		return nil, fmt.Errorf("reduced frame %s: %w", f.ID, err)
	}
	if prov.Valid && prov.String != "" {
		if err := json.Unmarshal([]byte(prov.String), &f.Provenance); err != nil {
			return nil, fmt.Errorf("reduced frame %s provenance: %w", f.ID, err)
		}
	}
	if qc.Valid && qc.String != "" && qc.String != "null" {
		if err := json.Unmarshal([]byte(qc.String), &f.QC); err != nil {
			return nil, fmt.Errorf("reduced frame %s qc: %w", f.ID, err)
		}
	}
	return &f, nil
}

func (s *SQLStore) GetReducedFrame(ctx context.Context, id string) (*model.ReducedFrame, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM reduced_frames WHERE id = ?`, id)
	f, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reduced frame", id)
	}
	return f, err
}

func (s *SQLStore) ListReducedFrames(ctx context.Context, q FrameQuery) ([]*model.ReducedFrame, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.InstrumentID != "" {
		where, args = append(where, "instrument_id = ?"), append(args, q.InstrumentID)
	}
	if q.ExposureID != "" {
		where, args = append(where, "exposure_id = ?"), append(args, q.ExposureID)
	}
	if q.FrameType != model.FrameAny {
		where, args = append(where, "frame_type = ?"), append(args, int(q.FrameType))
	}
	if q.Quality != nil {
		where, args = append(where, "quality = ?"), append(args, int(*q.Quality))
	}
	if !q.From.IsZero() {
		where, args = append(where, "date_obs >= ?"), append(args, toNanos(q.From))
	}
	if !q.To.IsZero() {
		where, args = append(where, "date_obs <= ?"), append(args, toNanos(q.To))
	}
	if !q.IncludeSuperseded {
		where = append(where, "superseded_by = ''")
	}
	query := `SELECT ` + frameColumns + ` FROM reduced_frames`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_obs, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reduced frames: %w", err)
	}
	defer rows.Close()
	out := []*model.ReducedFrame{}
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLStore) CompareAndSetQuality(ctx context.Context, id string, from, to model.Quality) (bool, model.Quality, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reduced_frames SET quality = ? WHERE id = ? AND quality = ?`, int(to), id, int(from))
	if err != nil {
		return false, 0, fmt.Errorf("update quality: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		return true, to, nil
	}
	var current int
	err = s.db.QueryRowContext(ctx, `SELECT quality FROM reduced_frames WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, notFound("reduced frame", id)
	}
	if err != nil {
		return false, 0, err
	}
	return false, model.Quality(current), nil
}

const masterColumns = `id, instrument_id, cal_type, valid_from, valid_to, date_obs, num_inputs, input_ids,
	image_name, width, height, header, pixels, mask, sigma, iterations, created_at`

func (s *SQLStore) InsertMasterCalibration(ctx context.Context, m *model.MasterCalibration) error {
	if m == nil {
		return errors.New("master calibration is nil")
	}
	ic, err := imageToColumns(m.Image)
	if err != nil {
		return fmt.Errorf("master calibration %s: %w", m.ID, err)
	}
	inputs, err := json.Marshal(m.InputIDs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	// a single statement commits atomically, so readers never see a partial master
	_, err = s.db.ExecContext(ctx, `INSERT INTO master_calibrations (`+masterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.InstrumentID, int(m.Type), toNanos(m.ValidFrom), toNanos(m.ValidTo), toNanos(m.DateObs),
		m.NumInputs, string(inputs), ic.name, ic.width, ic.height, ic.header, ic.pixels, ic.mask,
		float64(m.Sigma), m.Iterations, toNanos(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert master calibration: %w", err)
	}
	return nil
}

func scanMaster(row interface{ Scan(...interface{}) error }) (*model.MasterCalibration, error) {
	var (
		m                                    model.MasterCalibration
		calType                              int
		validFrom, validTo, dateObs, created int64
		inputs                               sql.NullString
		sigma                                float64
		ic                                   imageColumns
	)
	err := row.Scan(&m.ID, &m.InstrumentID, &calType, &validFrom, &validTo, &dateObs, &m.NumInputs, &inputs,
		&ic.name, &ic.width, &ic.height, &ic.header, &ic.pixels, &ic.mask, &sigma, &m.Iterations, &created)
	if err != nil {
		return nil, err
	}
	m.Type, m.Sigma = model.CalibrationType(calType), float32(sigma)
	m.ValidFrom, m.ValidTo, m.DateObs, m.CreatedAt = fromNanos(validFrom), fromNanos(validTo), fromNanos(dateObs), fromNanos(created)
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &m.InputIDs); err != nil {
			return nil, fmt.Errorf("master calibration %s inputs: %w", m.ID, err)
		}
	}
	if m.Image, err = ic.toImage(); err != nil {
		return nil, fmt.Errorf("master calibration %s: %w", m.ID, err)
	}
	return &m, nil
}

func (s *SQLStore) GetMasterCalibration(ctx context.Context, id string) (*model.MasterCalibration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+masterColumns+` FROM master_calibrations WHERE id = ?`, id)
	m, err := scanMaster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("master calibration", id)
	}
	return m, err
}

func (s *SQLStore) ListMasterCalibrations(ctx context.Context, q CalibrationQuery) ([]*model.MasterCalibration, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.InstrumentID != "" {
		where, args = append(where, "instrument_id = ?"), append(args, q.InstrumentID)
	}
	if q.Type != 0 {
		where, args = append(where, "cal_type = ?"), append(args, int(q.Type))
	}
	query := `SELECT ` + masterColumns + ` FROM master_calibrations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY valid_from, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list master calibrations: %w", err)
	}
	defer rows.Close()
	out := []*model.MasterCalibration{}
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetProcessingRecord(ctx context.Context, rawFrameID string) (*model.ProcessingRecord, error) {
	var (
		r       model.ProcessingRecord
		success int
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT raw_frame_id, checksum, tries, success, reduced_frame_id, updated_at
		FROM processing_records WHERE raw_frame_id = ?`, rawFrameID).
		Scan(&r.RawFrameID, &r.Checksum, &r.Tries, &success, &r.ReducedFrameID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("processing record", rawFrameID)
	}
	if err != nil {
		return nil, err
	}
	r.Success, r.UpdatedAt = success != 0, fromNanos(updated)
	return &r, nil
}

func (s *SQLStore) PutProcessingRecord(ctx context.Context, r *model.ProcessingRecord) error {
	if r == nil {
		return errors.New("processing record is nil")
	}
	success := 0
	if r.Success {
		success = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE processing_records SET checksum = ?, tries = ?, success = ?,
		reduced_frame_id = ?, updated_at = ? WHERE raw_frame_id = ?`,
		r.Checksum, r.Tries, success, r.ReducedFrameID, toNanos(r.UpdatedAt), r.RawFrameID)
	if err != nil {
		return fmt.Errorf("update processing record: %w", err)
	}
	// mysql reports zero affected rows for unchanged values, so check existence explicitly
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_records WHERE raw_frame_id = ?`, r.RawFrameID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			_, err = tx.ExecContext(ctx, `INSERT INTO processing_records
				(raw_frame_id, checksum, tries, success, reduced_frame_id, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				r.RawFrameID, r.Checksum, r.Tries, success, r.ReducedFrameID, toNanos(r.UpdatedAt))
			if err != nil {
				return fmt.Errorf("insert processing record: %w", err)
			}
		}
	}
	return tx.Commit()
}
