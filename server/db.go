package server

import (
	"log"
	"time"

	"github.com/BurntSushi/migration"
)

// A VerifyDB tracks which manifests have been verified, when, and when
// each is due to be verified again.
type VerifyDB interface {
	// NextVerify returns the id of a manifest scheduled for verification
	// at or before the cutoff, or "" if nothing is due.
	NextVerify(cutoff time.Time) string

	// UpdateVerify resolves the pending check for the given id with a
	// status of "ok" or "error" plus free-form notes.
	UpdateVerify(id, status, notes string) error

	// ScheduleVerify records that the given id should be verified at the
	// given time.
	ScheduleVerify(id string, when time.Time) error

	// LookupVerify returns when the given id is next scheduled, or the
	// zero time if it is not.
	LookupVerify(id string) (time.Time, error)
}

// We need to adapt the migration version functions to work with both
// MySQL and QL. This code is slightly modified from
// github.com/BurntSushi/migration.

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the
	// new version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version int
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}

// execlist exec's each item in the list, returning at the first error.
// Works around the mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
