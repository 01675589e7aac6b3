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

// Package internal holds the command implementations behind the nightcal CLI.
package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/config"
	"github.com/mlnoga/nightcal/internal/logging"
	"github.com/mlnoga/nightcal/internal/quality"
	"github.com/mlnoga/nightcal/internal/reduce"
	"github.com/mlnoga/nightcal/internal/store"
)

// LogPrintf logs a formatted message at info level
func LogPrintf(format string, args ...interface{}) {
	slog.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// LogFatalf logs a formatted message at error level and exits
func LogFatalf(format string, args ...interface{}) {
	slog.Error(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
	os.Exit(1)
}

// Turn filename wildcards into list of files
func GlobFilenameWildcards(args []string) ([]string, error) {
	fileNames := []string{}
	for _, pattern := range args {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		fileNames = append(fileNames, matches...)
	}
	return fileNames, nil
}

// Components shared by all commands
type Env struct {
	Config   *config.Config
	Store    store.Store
	Builder  *calib.Builder
	Pipeline *reduce.Pipeline
	Gate     *quality.Gate
}

// OpenEnv loads the configuration, sets up logging and opens the store
func OpenEnv(ctx context.Context, configPath string) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.Init(level, cfg.Log.Format, nil)
	LogPrintf("nightcal on %s with %d logical cores and %d MB of physical memory",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, memory.TotalMemory()>>20)

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	return NewEnv(cfg, st), nil
}

// NewEnv wires the engine components around an open store
func NewEnv(cfg *config.Config, st store.Store) *Env {
	var masks reduce.MaskSource
	if len(cfg.BadPixelMasks) > 0 {
		masks = reduce.NewFileMasks(cfg.BadPixelMasks)
	}
	return &Env{
		Config:   cfg,
		Store:    st,
		Builder:  calib.NewBuilder(st, st, cfg.BuilderParams()),
		Pipeline: reduce.NewPipeline(st, masks, cfg.CosmicRayDetector(), cfg.PipelineParams()),
		Gate:     quality.NewGate(st),
	}
}

func (e *Env) Close() error { return e.Store.Close() }
