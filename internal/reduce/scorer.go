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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPScorer asks a scoring service for cosmic ray probabilities. Pixels are
// posted as little-endian float32 with width and height as query parameters;
// the service answers with one little-endian float32 probability per pixel.
type HTTPScorer struct {
	URL    string
	Client *http.Client
}

func NewHTTPScorer(endpoint string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{URL: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPScorer) Score(ctx context.Context, data []float32, width, height int32) ([]float32, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("scorer url: %w", err)
	}
	q := u.Query()
	q.Set("width", strconv.Itoa(int(width)))
	q.Set("height", strconv.Itoa(int(height)))
	u.RawQuery = q.Encode()

	body := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(body[4*i:], math.Float32bits(v))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("scorer returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(len(body))+1))
	if err != nil {
		return nil, fmt.Errorf("read scores: %w", err)
	}
	if len(raw) != len(body) {
		return nil, fmt.Errorf("scorer returned %d bytes for %d pixels", len(raw), len(data))
	}
	prob := make([]float32, len(data))
	for i := range prob {
		prob[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return prob, nil
}
