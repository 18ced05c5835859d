package server

import (
	"fmt"
	"log"
	"time"

	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/pool"
	"github.com/warchest/warchest/store"
	"github.com/warchest/warchest/util"
)

// The verifier is the background process re-hashing stored content. Disk
// and archives rot; a depot serving game files for years needs to find
// that out before a player does. Each manifest is re-verified on a
// schedule kept in the VerifyDB, and the rehashing is rate limited so it
// does not monopolize disk bandwidth needed by foreground work.

// do not verify a manifest any more often than this
const minDurationVerify = 30 * 24 * time.Hour

type verifier struct {
	pool   *pool.Pool
	engine *cas.Engine
	db     VerifyDB
	rate   *util.RateCounter
	stopc  chan struct{}
}

// newVerifier makes a verifier re-hashing content at the given rate in
// MB/hour.
func newVerifier(p *pool.Pool, e *cas.Engine, db VerifyDB, rate int64) *verifier {
	bytesPerSecond := float64(rate) * 1000000 / 3600
	return &verifier{
		pool:   p,
		engine: e,
		db:     db,
		rate:   util.NewRateCounter(bytesPerSecond),
		stopc:  make(chan struct{}),
	}
}

func (v *verifier) stop() {
	close(v.stopc)
	v.rate.Stop()
}

func (v *verifier) run() {
	for {
		id := v.db.NextVerify(time.Now())
		if id == "" {
			v.seedSchedule()
			select {
			case <-time.After(time.Hour):
			case <-v.stopc:
				return
			}
			continue
		}
		select {
		case <-v.stopc:
			return
		default:
		}
		v.verifyManifest(id)
	}
}

// seedSchedule makes sure every registered manifest has a pending
// verification. New manifests enter the schedule here.
func (v *verifier) seedSchedule() {
	all, err := v.pool.AllManifests()
	if err != nil {
		log.Println("verify: list manifests:", err)
		return
	}
	for _, m := range all {
		when, err := v.db.LookupVerify(m.ID.String())
		if err != nil {
			log.Println("verify:", m.ID, err)
			continue
		}
		if when.IsZero() {
			v.db.ScheduleVerify(m.ID.String(), time.Now().Add(minDurationVerify))
		}
	}
}

// verifyManifest re-hashes every object the given manifest references and
// records the outcome. Unparseable or since-removed manifests have their
// pending check closed out rather than retried forever.
func (v *verifier) verifyManifest(idtext string) {
	id, err := manifest.ParseID(idtext)
	if err != nil {
		v.db.UpdateVerify(idtext, "error", "malformed id")
		return
	}
	m, err := v.pool.Manifest(id)
	if err == pool.ErrNotFound {
		v.db.UpdateVerify(idtext, "ok", "manifest no longer registered")
		return
	}
	if err != nil {
		log.Println("verify:", idtext, err)
		v.db.UpdateVerify(idtext, "error", err.Error())
		return
	}

	status := "ok"
	var notes string
	for _, f := range m.Files {
		if !cas.IsValidHash(f.Hash) {
			continue
		}
		ok, err := v.verifyObject(f.Hash)
		if err == util.ErrStopped {
			// shutting down; leave the check scheduled
			return
		}
		if err != nil {
			status = "error"
			notes += fmt.Sprintf("%s: %s\n", f.Path, err)
			continue
		}
		if !ok {
			status = "error"
			notes += fmt.Sprintf("%s: checksum mismatch\n", f.Path)
		}
	}
	log.Println("verify:", idtext, status)
	v.db.UpdateVerify(idtext, status, notes)
	v.db.ScheduleVerify(idtext, time.Now().Add(minDurationVerify))
}

// verifyObject re-hashes one stored object through the rate limiter.
func (v *verifier) verifyObject(hash string) (bool, error) {
	src, _, err := v.engine.Open(hash)
	if err != nil {
		return false, err
	}
	defer src.Close()
	got, _, err := util.HashFileSHA256(v.rate.Wrap(store.NewReader(src)))
	if err != nil {
		return false, err
	}
	return got == hash, nil
}
