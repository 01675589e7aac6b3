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

// Package rest serves the operator API: listing and building master
// calibrations, inspecting reduced frames and marking their quality.
package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/contrib/static"
	"github.com/gin-gonic/gin"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/logging"
	"github.com/mlnoga/nightcal/internal/model"
	"github.com/mlnoga/nightcal/internal/quality"
	"github.com/mlnoga/nightcal/internal/quicklook"
	"github.com/mlnoga/nightcal/internal/store"
)

// Server wires the engine components to HTTP routes
type Server struct {
	store     store.Store
	builder   *calib.Builder
	selector  *calib.Selector
	gate      *quality.Gate
	quicklook quicklook.Params
	engine    *gin.Engine
	log       *slog.Logger
}

// NewServer creates the routes. Static files are served from staticDir if
// it exists, e.g. a built web frontend.
func NewServer(st store.Store, builder *calib.Builder, gate *quality.Gate, staticDir string) *Server {
	s := &Server{
		store:     st,
		builder:   builder,
		selector:  calib.NewSelector(st),
		gate:      gate,
		quicklook: quicklook.DefaultParams(),
		engine:    gin.New(),
		log:       logging.New("rest"),
	}
	r := s.engine
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if staticDir != "" {
		if _, err := os.Stat(staticDir); err == nil {
			r.Use(static.Serve("/", static.LocalFile(staticDir, true)))
		}
	}

	api := r.Group("/api/v1")
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	api.GET("/instruments", s.listInstruments)
	api.GET("/calibrations", s.listCalibrations)
	api.GET("/calibrations/select", s.selectCalibration)
	api.POST("/calibrations/build", s.buildCalibration)
	api.GET("/frames", s.listFrames)
	api.GET("/frames/:id", s.getFrame)
	api.GET("/frames/:id/quicklook.png", s.frameQuicklook)
	api.POST("/frames/:id/quality", s.markQuality)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// status maps engine errors to HTTP status codes
func status(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrNoCalibrationFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyVerified), errors.Is(err, model.ErrDuplicateInstrument):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientCalibrationFrames), errors.Is(err, model.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidQuality):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := status(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
