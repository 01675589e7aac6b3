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
	"fmt"
	"io"
	"runtime"

	"github.com/mlnoga/nightcal/internal/fits"
	"github.com/mlnoga/nightcal/internal/stats"
)

// Statistics of one image extension
type ExtStats struct {
	FileName string
	Ext      int
	Name     string
	Width    int32
	Height   int32
	Stats    *stats.BasicStats
	Mode     float32
	Masked   int
	Err      error
}

// Calculate statistics for the given images
func CalcExtStats(fileName string, images []*fits.Image) []ExtStats {
	res := make([]ExtStats, len(images))
	for i, img := range images {
		res[i] = ExtStats{
			FileName: fileName,
			Ext:      i + 1,
			Name:     img.ID,
			Width:    img.Width(),
			Height:   img.Height(),
			Stats:    stats.CalcBasicStats(img.Data, img.Mask, fits.MaskInvalid),
			Mode:     stats.Mode(img.Data, img.Mask, fits.MaskInvalid, 256),
			Masked:   img.CountMasked(0xff),
		}
	}
	return res
}

// Perform statistics command, printing per-extension statistics of each file
// to w in the order given. Files are read and evaluated in parallel.
func CmdStats(fileNames []string, w io.Writer) error {
	LogPrintf("Calculating statistics for %d files", len(fileNames))
	results := make([][]ExtStats, len(fileNames))

	sem := make(chan bool, runtime.NumCPU())
	for id, fileName := range fileNames {
		sem <- true
		go func(id int, fileName string) {
			defer func() { <-sem }()
			images, err := fits.ReadMEFFile(fileName)
			if err != nil {
				results[id] = []ExtStats{{FileName: fileName, Err: err}}
				return
			}
			results[id] = CalcExtStats(fileName, images)
		}(id, fileName)
	}
	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}

	numErrors := 0
	for _, res := range results {
		for _, s := range res {
			if s.Err != nil {
				fmt.Fprintf(w, "%s: Error: %s\n", s.FileName, s.Err)
				numErrors++
				continue
			}
			fmt.Fprintf(w, "%s[%d] %s %dx%d %s Mode %.4g Masked %d\n",
				s.FileName, s.Ext, s.Name, s.Width, s.Height, s.Stats, s.Mode, s.Masked)
		}
	}
	if numErrors > 0 {
		return fmt.Errorf("%d of %d files could not be read", numErrors, len(fileNames))
	}
	return nil
}
