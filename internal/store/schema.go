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
	"fmt"
	"strings"
)

// SQL flavour of a database driver
type dialect struct {
	name   string
	blob   string
	text   string
	inline bool // indexes declared inside CREATE TABLE rather than with CREATE INDEX
}

var dialects = map[string]dialect{
	"sqlite": {name: "sqlite", blob: "BLOB", text: "TEXT"},
	"mysql":  {name: "mysql", blob: "LONGBLOB", text: "MEDIUMTEXT", inline: true},
}

type index struct {
	name, table, columns string
}

var indexes = []index{
	{"idx_reduced_eligible", "reduced_frames", "instrument_id, frame_type, quality, date_obs"},
	{"idx_reduced_exposure", "reduced_frames", "exposure_id"},
	{"idx_master_lookup", "master_calibrations", "instrument_id, cal_type, valid_from"},
}

const createInstruments = `CREATE TABLE IF NOT EXISTS instruments (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	site VARCHAR(64) NOT NULL,
	camera VARCHAR(64) NOT NULL,
	type VARCHAR(64) NOT NULL DEFAULT '',
	UNIQUE (site, camera)
)`

const createReducedFrames = `CREATE TABLE IF NOT EXISTS reduced_frames (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	raw_frame_id VARCHAR(64) NOT NULL,
	exposure_id VARCHAR(64) NOT NULL,
	chip INTEGER NOT NULL,
	instrument_id VARCHAR(64) NOT NULL,
	date_obs BIGINT NOT NULL,
	frame_type INTEGER NOT NULL,
	quality INTEGER NOT NULL,
	image_name VARCHAR(64) NOT NULL DEFAULT '',
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	header %[2]s,
	pixels %[1]s NOT NULL,
	mask %[1]s,
	provenance %[2]s,
	qc %[2]s,
	created_at BIGINT NOT NULL,
	superseded_by VARCHAR(64) NOT NULL DEFAULT ''%[3]s
)`

const createMasterCalibrations = `CREATE TABLE IF NOT EXISTS master_calibrations (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	instrument_id VARCHAR(64) NOT NULL,
	cal_type INTEGER NOT NULL,
	valid_from BIGINT NOT NULL,
	valid_to BIGINT NOT NULL,
	date_obs BIGINT NOT NULL,
	num_inputs INTEGER NOT NULL,
	input_ids %[2]s,
	image_name VARCHAR(64) NOT NULL DEFAULT '',
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	header %[2]s,
	pixels %[1]s NOT NULL,
	mask %[1]s,
	sigma DOUBLE PRECISION NOT NULL,
	iterations INTEGER NOT NULL,
	created_at BIGINT NOT NULL%[3]s
)`

const createProcessingRecords = `CREATE TABLE IF NOT EXISTS processing_records (
	raw_frame_id VARCHAR(64) NOT NULL PRIMARY KEY,
	checksum VARCHAR(64) NOT NULL,
	tries INTEGER NOT NULL,
	success INTEGER NOT NULL,
	reduced_frame_id VARCHAR(64) NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL
)`

// statements returns the DDL creating all tables and indexes for d
func (d dialect) statements() []string {
	inlineFor := func(table string) string {
		if !d.inline {
			return ""
		}
		var b strings.Builder
		for _, ix := range indexes {
			if ix.table == table {
				fmt.Fprintf(&b, ",\n\tINDEX %s (%s)", ix.name, ix.columns)
			}
		}
		return b.String()
	}
	stmts := []string{
		createInstruments,
		fmt.Sprintf(createReducedFrames, d.blob, d.text, inlineFor("reduced_frames")),
		fmt.Sprintf(createMasterCalibrations, d.blob, d.text, inlineFor("master_calibrations")),
		createProcessingRecords,
	}
	if !d.inline {
		for _, ix := range indexes {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", ix.name, ix.table, ix.columns))
		}
	}
	return stmts
}
