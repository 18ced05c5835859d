package server

import (
	"database/sql"
	"log"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

// This file implements the verification schedule using MySQL as the
// backing store, for depots shared between multiple servers.

type msqlVerifyDB struct {
	db *sql.DB
}

var _ VerifyDB = &msqlVerifyDB{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysqlVerifyDB connects to a MySQL database using the given dial
// string, e.g. "user:password@tcp(localhost:3306)/warchest".
func NewMysqlVerifyDB(dial string) (VerifyDB, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &msqlVerifyDB{db: db}, nil
}

func (ms *msqlVerifyDB) NextVerify(cutoff time.Time) string {
	const query = `
		SELECT manifest
		FROM verify
		WHERE status = "scheduled" AND scheduled_time <= ?
		ORDER BY scheduled_time
		LIMIT 1`

	var id string
	err := ms.db.QueryRow(query, cutoff).Scan(&id)
	if err == sql.ErrNoRows {
		return ""
	} else if err != nil {
		log.Println("nextverify", err.Error())
		return ""
	}
	return id
}

func (ms *msqlVerifyDB) UpdateVerify(id string, status string, notes string) error {
	const query = `
		UPDATE verify
		SET status = ?, notes = ?
		WHERE manifest = ? and status = "scheduled"
		ORDER BY scheduled_time
		LIMIT 1`
	result, err := ms.db.Exec(query, status, notes, id)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		const newquery = `INSERT INTO verify (manifest, scheduled_time, status, notes) VALUES (?,?,?,?)`

		_, err = ms.db.Exec(newquery, id, time.Now(), status, notes)
	}
	return err
}

func (ms *msqlVerifyDB) ScheduleVerify(id string, when time.Time) error {
	const query = `INSERT INTO verify (manifest, scheduled_time, status, notes) VALUES (?,?,?,?)`

	_, err := ms.db.Exec(query, id, when, "scheduled", "")
	return err
}

func (ms *msqlVerifyDB) LookupVerify(id string) (time.Time, error) {
	const query = `
		SELECT scheduled_time
		FROM verify
		WHERE manifest = ? AND status = "scheduled"
		ORDER BY scheduled_time
		LIMIT 1`

	var when mysql.NullTime
	err := ms.db.QueryRow(query, id).Scan(&when)
	if err == sql.ErrNoRows {
		err = nil
	}
	if when.Valid {
		return when.Time, err
	}
	return time.Time{}, err
}

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS verify (
		id int PRIMARY KEY AUTO_INCREMENT,
		manifest varchar(255),
		scheduled_time datetime,
		status varchar(32),
		notes text,
		INDEX verify_manifest (manifest),
		INDEX verify_time (scheduled_time))`,
	}
	return execlist(tx, s)
}
