package server

import (
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
)

// This file implements the verification schedule on top of the QL
// embedded database, used for development and for small single-node
// depots that should not need an external database server.

type qlVerifyDB struct {
	db *sql.DB
}

var _ VerifyDB = &qlVerifyDB{}

var qlMigrations = []migration.Migrator{
	qlschema1,
}

var qlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version VALUES (?1, now())`,
	CreateSQL: `CREATE TABLE migration_version (version int, applied time)`,
}

// memCount makes each in-memory database name unique. The ql-mem driver
// keeps one database per name for the life of the process, so reusing a
// name would share state between opens.
var memCount int64

// NewQlVerifyDB opens a verification database in the given file. The
// special name "memory" keeps everything in memory, which is useful for
// testing.
func NewQlVerifyDB(filename string) (VerifyDB, error) {
	driver := "ql"
	if filename == "memory" {
		driver = "ql-mem"
		filename = fmt.Sprintf("mem%d.db", atomic.AddInt64(&memCount, 1))
	}
	db, err := migration.OpenWith(
		driver,
		filename,
		qlMigrations,
		qlVersioning.Get,
		qlVersioning.Set)
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &qlVerifyDB{db: db}, nil
}

func (qc *qlVerifyDB) NextVerify(cutoff time.Time) string {
	const query = `
		SELECT id, scheduled_time
		FROM verify
		WHERE status == "scheduled" AND scheduled_time <= ?1
		ORDER BY scheduled_time
		LIMIT 1`

	var id string
	var when time.Time
	err := qc.db.QueryRow(query, cutoff).Scan(&id, &when)
	if err == sql.ErrNoRows {
		return ""
	} else if err != nil {
		log.Println("nextverify QL", err.Error())
		return ""
	}
	return id
}

func (qc *qlVerifyDB) UpdateVerify(id string, status string, notes string) error {
	const query = `
		UPDATE verify
		SET status = ?2, notes = ?3
		WHERE id() in
			(SELECT id from
				(SELECT id() as id, scheduled_time
				FROM verify
				WHERE id == ?1 and status == "scheduled"
				ORDER BY scheduled_time
				LIMIT 1))`

	result, err := performExec(qc.db, query, id, status, notes)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		const newquery = `INSERT INTO verify VALUES (?1,?2,?3,?4)`

		_, err = performExec(qc.db, newquery, id, time.Now(), status, notes)
	}
	return err
}

func (qc *qlVerifyDB) ScheduleVerify(id string, when time.Time) error {
	const query = `INSERT INTO verify VALUES (?1,?2,?3,?4)`

	_, err := performExec(qc.db, query, id, when, "scheduled", "")
	return err
}

func (qc *qlVerifyDB) LookupVerify(id string) (time.Time, error) {
	const query = `
		SELECT scheduled_time
		FROM verify
		WHERE id == ?1 AND status == "scheduled"
		ORDER BY scheduled_time ASC
		LIMIT 1`

	var when time.Time
	err := qc.db.QueryRow(query, id).Scan(&when)
	if err == sql.ErrNoRows {
		err = nil
	}
	return when, err
}

func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}

func qlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS verify (
			id string,
			scheduled_time time,
			status string,
			notes string
		)`,
		`CREATE INDEX IF NOT EXISTS verifyid ON verify (id)`,
		`CREATE INDEX IF NOT EXISTS verifytime ON verify (scheduled_time)`,
		`CREATE INDEX IF NOT EXISTS verifystatus ON verify (status)`,
	}
	return execlist(tx, s)
}
