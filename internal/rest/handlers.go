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

package rest

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/quicklook"
	"github.com/mlnoga/nightcal/internal/store"
)

// API view of a master calibration, without pixels
type calibrationView struct {
	ID           string    `json:"id"`
	InstrumentID string    `json:"instrumentId"`
	Type         string    `json:"type"`
	ValidFrom    time.Time `json:"validFrom"`
	ValidTo      time.Time `json:"validTo"`
	DateObs      time.Time `json:"dateObs"`
	NumInputs    int       `json:"numInputs"`
	InputIDs     []string  `json:"inputIds"`
	Width        int32     `json:"width"`
	Height       int32     `json:"height"`
	CreatedAt    time.Time `json:"createdAt"`
}

func newCalibrationView(m *model.MasterCalibration) calibrationView {
	v := calibrationView{ID: m.ID, InstrumentID: m.InstrumentID, Type: m.Type.String(), ValidFrom: m.ValidFrom,
		ValidTo: m.ValidTo, DateObs: m.DateObs, NumInputs: m.NumInputs, InputIDs: m.InputIDs, CreatedAt: m.CreatedAt}
	if m.Image != nil {
		v.Width, v.Height = m.Image.Width(), m.Image.Height()
	}
	return v
}

// API view of a reduced frame, without pixels
type frameView struct {
	ID           string             `json:"id"`
	RawFrameID   string             `json:"rawFrameId"`
	ExposureID   string             `json:"exposureId"`
	Chip         int                `json:"chip"`
	InstrumentID string             `json:"instrumentId"`
	DateObs      time.Time          `json:"dateObs"`
	FrameType    string             `json:"frameType"`
	Quality      string             `json:"quality"`
	Provenance   model.Provenance   `json:"provenance"`
	QC           map[string]float64 `json:"qc"`
	SupersededBy string             `json:"supersededBy,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

func newFrameView(f *model.ReducedFrame) frameView {
	return frameView{ID: f.ID, RawFrameID: f.RawFrameID, ExposureID: f.ExposureID, Chip: f.Chip,
		InstrumentID: f.InstrumentID, DateObs: f.DateObs, FrameType: f.FrameType.String(),
		Quality: f.Quality.String(), Provenance: f.Provenance, QC: f.QC, SupersededBy: f.SupersededBy,
		CreatedAt: f.CreatedAt}
}

func (s *Server) listInstruments(c *gin.Context) {
	insts, err := s.store.ListInstruments(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, insts)
}

// calibrationQuery parses the instrument and type query parameters
func calibrationQuery(c *gin.Context) (store.CalibrationQuery, error) {
	q := store.CalibrationQuery{InstrumentID: c.Query("instrument")}
	if t := c.Query("type"); t != "" {
		ct, err := model.ParseCalibrationType(t)
		if err != nil {
			return q, err
		}
		q.Type = ct
	}
	return q, nil
}

func (s *Server) listCalibrations(c *gin.Context) {
	q, err := calibrationQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	ms, err := s.store.ListMasterCalibrations(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]calibrationView, len(ms))
	for i, m := range ms {
		out[i] = newCalibrationView(m)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) selectCalibration(c *gin.Context) {
	q, err := calibrationQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	if q.InstrumentID == "" || q.Type == 0 {
		badRequest(c, fmt.Errorf("instrument and type required"))
		return
	}
	at, err := time.Parse(time.RFC3339, c.Query("at"))
	if err != nil {
		badRequest(c, fmt.Errorf("at: %w", err))
		return
	}
	m, err := s.selector.Select(c.Request.Context(), q.InstrumentID, q.Type, at)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newCalibrationView(m))
}

type buildBody struct {
	calib.BuildRequest
	Type string `json:"type" binding:"required"`
}

func (s *Server) buildCalibration(c *gin.Context) {
	var body buildBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	ct, err := model.ParseCalibrationType(body.Type)
	if err != nil {
		badRequest(c, err)
		return
	}
	req := body.BuildRequest
	req.Type = ct
	if req.InstrumentID == "" || req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		badRequest(c, fmt.Errorf("instrumentId and an ordered from/to window required"))
		return
	}
	m, err := s.builder.Build(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newCalibrationView(m))
}

func (s *Server) listFrames(c *gin.Context) {
	q := store.FrameQuery{InstrumentID: c.Query("instrument"), ExposureID: c.Query("exposure"),
		IncludeSuperseded: c.Query("superseded") == "true"}
	if v := c.Query("quality"); v != "" {
		qual, err := model.ParseQuality(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		q.Quality = &qual
	}
	fs, err := s.store.ListReducedFrames(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]frameView, len(fs))
	for i, f := range fs {
		out[i] = newFrameView(f)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getFrame(c *gin.Context) {
	f, err := s.store.GetReducedFrame(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newFrameView(f))
}

func (s *Server) frameQuicklook(c *gin.Context) {
	f, err := s.store.GetReducedFrame(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	p := s.quicklook
	if f.Image.Width() > 2048 {
		p.Bin = int(f.Image.Width()+2047) / 2048
	}
	var buf bytes.Buffer
	if err := quicklook.WritePNG(&buf, f.Image, p); err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

type qualityBody struct {
	Quality string `json:"quality" binding:"required"`
}

func (s *Server) markQuality(c *gin.Context) {
	var body qualityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	q, err := model.ParseQuality(body.Quality)
	if err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := s.gate.Mark(ctx, c.Param("id"), q); err != nil {
		s.fail(c, err)
		return
	}
	f, err := s.store.GetReducedFrame(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newFrameView(f))
}
