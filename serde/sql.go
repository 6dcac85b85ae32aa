//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serde

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/stats"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite3"
)

// sqlSerDe stores records in a narrow stats table (one row per field)
// and bulk history in a wide history table (one row per sample).
type sqlSerDe struct {
	dbConn     *sql.DB
	driver     string
	prefix     string
	dishId     string
	sql1, sql2 *sql.Stmt
}

// InitDb connects to the database, creates the tables if needed and
// returns a SerDe. driver is DriverPostgres or DriverSqlite, for the
// latter connect_string is a file name.
func InitDb(driver, connect_string, prefix, dishId string) (*sqlSerDe, error) {
	if driver != DriverPostgres && driver != DriverSqlite {
		return nil, fmt.Errorf("unsupported db driver: %q", driver)
	}
	dbConn, err := sql.Open(driver, connect_string)
	if err != nil {
		return nil, err
	}
	if driver == DriverSqlite {
		// sqlite has a single writer anyway
		dbConn.SetMaxOpenConns(1)
	}
	p := &sqlSerDe{dbConn: dbConn, driver: driver, prefix: prefix, dishId: dishId}
	if err := p.dbConn.Ping(); err != nil {
		return nil, err
	}
	if err := p.createTablesIfNotExist(); err != nil {
		return nil, err
	}
	if err := p.prepareSqlStatements(); err != nil {
		return nil, err
	}
	return p, nil
}

// placeholders returns n comma separated bind placeholders.
func (p *sqlSerDe) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		if p.driver == DriverPostgres {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return strings.Join(ph, ", ")
}

func (p *sqlSerDe) prepareSqlStatements() error {
	var err error
	if p.sql1, err = p.dbConn.Prepare(fmt.Sprintf("INSERT INTO %[1]sstats (ts, dish_id, grp, name, value) VALUES (%[2]s)",
		p.prefix, p.placeholders(5))); err != nil {
		return err
	}
	if p.sql2, err = p.dbConn.Prepare(fmt.Sprintf("SELECT ts, counter FROM %[1]shistory WHERE dish_id = %[2]s ORDER BY ts DESC LIMIT 1",
		p.prefix, p.placeholders(1))); err != nil {
		return err
	}
	return nil
}

func (p *sqlSerDe) createTablesIfNotExist() error {
	cols := make([]string, 0, len(historyColumns()))
	for _, c := range historyColumns() {
		cols = append(cols, c+" DOUBLE PRECISION")
	}
	create_sql := `
       CREATE TABLE IF NOT EXISTS %[1]sstats (
       ts BIGINT NOT NULL,
       dish_id TEXT NOT NULL,
       grp TEXT NOT NULL,
       name TEXT NOT NULL,
       value DOUBLE PRECISION);

       CREATE INDEX IF NOT EXISTS %[1]sstats_ts_idx ON %[1]sstats (dish_id, ts);

       CREATE TABLE IF NOT EXISTS %[1]shistory (
       ts BIGINT NOT NULL,
       dish_id TEXT NOT NULL,
       counter BIGINT NOT NULL,
       %[2]s);

       CREATE INDEX IF NOT EXISTS %[1]shistory_ts_idx ON %[1]shistory (dish_id, ts);
    `
	if _, err := p.dbConn.Exec(fmt.Sprintf(create_sql, p.prefix, strings.Join(cols, ",\n       "))); err != nil {
		log.Printf("ERROR: initial CREATE TABLE failed: %v", err)
		return err
	}
	return nil
}

func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

// WriteRecord stores every field of the record as a row, NoData is
// stored as NULL.
func (p *sqlSerDe) WriteRecord(rec *stats.Record, groups []string) error {
	return p.writeFields(rec.General.Time.Unix(), rec.Fields(groups...))
}

// WriteStatus stores the numeric status fields the same way as
// records, in the stats table.
func (p *sqlSerDe) WriteStatus(st *dish.Status, groups []string) error {
	return p.writeFields(st.Time.Unix(), st.Fields(groups...))
}

func (p *sqlSerDe) writeFields(ts int64, fields []stats.Field) error {
	tx, err := p.dbConn.Begin()
	if err != nil {
		return err
	}
	stmt := tx.Stmt(p.sql1)
	for _, f := range fields {
		if _, err := stmt.Exec(ts, p.dishId, f.Group, f.Name, nullable(f.Value)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// WriteRows stores bulk rows. On postgres this uses COPY.
func (p *sqlSerDe) WriteRows(rows *bulk.Rows) error {
	cols := append([]string{"ts", "dish_id", "counter"}, historyColumns()...)

	tx, err := p.dbConn.Begin()
	if err != nil {
		return err
	}
	var query string
	if p.driver == DriverPostgres {
		query = pq.CopyIn(p.prefix+"history", cols...)
	} else {
		query = fmt.Sprintf("INSERT INTO %shistory (%s) VALUES (%s)",
			p.prefix, strings.Join(cols, ", "), p.placeholders(len(cols)))
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return err
	}

	args := make([]interface{}, len(cols))
	for rows.Next() {
		row := rows.Row()
		args[0], args[1], args[2] = row.Time.Unix(), p.dishId, row.Index
		for i, name := range historyColumns() {
			if v, ok := row.Values[name]; ok {
				args[i+3] = nullable(v)
			} else {
				args[i+3] = sql.NullFloat64{}
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	if p.driver == DriverPostgres {
		// flush the COPY buffer
		if _, err := stmt.Exec(); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LastCounter returns the counter of the most recent stored bulk
// sample.
func (p *sqlSerDe) LastCounter() (history.Cursor, time.Time, error) {
	var ts, counter int64
	err := p.sql2.QueryRow(p.dishId).Scan(&ts, &counter)
	if err == sql.ErrNoRows {
		return history.Cursor{}, time.Time{}, nil
	}
	if err != nil {
		return history.Cursor{}, time.Time{}, err
	}
	// the cursor is one past the last sample
	return history.NewCursor(counter + 1), time.Unix(ts+1, 0), nil
}

func (p *sqlSerDe) Close() error {
	return p.dbConn.Close()
}
