package cas

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// A lockSet serializes operations on individual objects. Each hash gets
// its own mutex, so unrelated ingests proceed in parallel while two
// ingests of the same content wait on each other.
//
// When given a directory, the lockSet also drops a lock file per held
// hash. The files guard against a second process working the same depot;
// the in-process mutex remains the authority within one process. A lock
// file older than staleAfter is presumed left over from a crash and is
// removed.
type lockSet struct {
	dir string // empty means in-process locking only

	m     sync.Mutex
	locks map[string]*objLock
}

type objLock struct {
	mu  sync.Mutex
	ref int // holders plus waiters, guarded by lockSet.m
}

const staleAfter = 24 * time.Hour

func newLockSet(dir string) *lockSet {
	return &lockSet{dir: dir, locks: make(map[string]*objLock)}
}

// Lock acquires the lock for the given hash, blocking until it is free.
func (ls *lockSet) Lock(hash string) {
	ls.m.Lock()
	l := ls.locks[hash]
	if l == nil {
		l = &objLock{}
		ls.locks[hash] = l
	}
	l.ref++
	ls.m.Unlock()

	l.mu.Lock()
	ls.touchFile(hash)
}

// Unlock releases the lock for the given hash. The per-hash entry is
// dropped once nobody holds or waits on it.
func (ls *lockSet) Unlock(hash string) {
	ls.removeFile(hash)

	ls.m.Lock()
	l := ls.locks[hash]
	l.ref--
	if l.ref == 0 {
		delete(ls.locks, hash)
	}
	ls.m.Unlock()
	l.mu.Unlock()
}

func (ls *lockSet) touchFile(hash string) {
	if ls.dir == "" {
		return
	}
	fname := filepath.Join(ls.dir, hash+".lock")
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664)
	if err == nil {
		f.Close()
		return
	}
	// A leftover lock file from a crashed process. Reclaim it if old.
	info, err := os.Stat(fname)
	if err == nil && time.Since(info.ModTime()) > staleAfter {
		os.Remove(fname)
		if f, err := os.OpenFile(fname, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664); err == nil {
			f.Close()
		}
	}
}

func (ls *lockSet) removeFile(hash string) {
	if ls.dir == "" {
		return
	}
	os.Remove(filepath.Join(ls.dir, hash+".lock"))
}
