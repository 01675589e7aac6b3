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
	"context"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// scores pixels above 1000 as certain hits, everything else as clean
func scoringService(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("width") != "8" || r.URL.Query().Get("height") != "6" {
			http.Error(w, "bad size", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Error(err)
			return
		}
		for i := 0; i+4 <= len(body); i += 4 {
			p := float32(0.1)
			if math.Float32frombits(binary.LittleEndian.Uint32(body[i:])) > 1000 {
				p = 0.9
			}
			binary.LittleEndian.PutUint32(body[i:], math.Float32bits(p))
		}
		w.Write(body)
	}))
}

func TestHTTPScorerDetect(t *testing.T) {
	srv := scoringService(t)
	defer srv.Close()

	img := constImage(100)
	img.Data[13] = 5000
	d := NewThresholdDetector(NewHTTPScorer(srv.URL, 5*time.Second))
	hits, err := d.Detect(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	for i, h := range hits {
		if h != (i == 13) {
			t.Errorf("pixel %d hit %v", i, h)
		}
	}

	d.Threshold = 0.95
	if hits, err = d.Detect(context.Background(), img); err != nil || hits[13] {
		t.Errorf("threshold 0.95: hit %v, %v", hits[13], err)
	}
}

func TestHTTPScorerErrors(t *testing.T) {
	srv := scoringService(t)
	defer srv.Close()
	s := NewHTTPScorer(srv.URL, 5*time.Second)
	if _, err := s.Score(context.Background(), make([]float32, 4), 2, 2); err == nil {
		t.Error("no error for rejected request")
	}

	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0, 0})
	}))
	defer short.Close()
	if _, err := NewHTTPScorer(short.URL, time.Second).Score(context.Background(), make([]float32, 4), 2, 2); err == nil {
		t.Error("no error for truncated scores")
	}
}
