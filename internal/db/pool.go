// Package db opens and pools the settings catalog database. SQLite is the
// default, split into one write connection and a small read pool over WAL;
// Postgres runs both roles through a single pgx-backed pool.
package db

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool separates the write connection from the read pool. Repositories route
// INSERT/UPDATE/DELETE through Writer and SELECT through Reader; on SQLite
// the single writer avoids SQLITE_BUSY under contention while WAL snapshots
// keep readers unblocked.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool builds a pool from already-opened connections. Passing the same
// *sqlx.DB for both roles is valid and is what the Postgres path does.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the mutation connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the query pool.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both roles, once when they share a connection.
func (p *Pool) Close() error {
	if p.reader == p.writer {
		return p.writer.Close()
	}
	return errors.Join(p.writer.Close(), p.reader.Close())
}
