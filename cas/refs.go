package cas

import (
	"encoding/json"
	"log"
	"time"

	raven "github.com/getsentry/raven-go"

	"github.com/warchest/warchest/store"
)

// refInfo is what the engine remembers about one stored object.
type refInfo struct {
	Size    int64     `json:"size"`
	Refs    int       `json:"refs"`
	LastRef time.Time `json:"lastRef"`
}

// indexKey names the saved reference index in the index store.
const indexKey = "refs.json"

// Stats is a point-in-time summary of the depot.
type Stats struct {
	TotalFileCount int   // number of stored objects
	UsedBytes      int64 // total size of stored objects
	MaxBytes       int64 // configured cap, 0 if unbounded
}

// Stats returns the current depot statistics.
func (e *Engine) Stats() Stats {
	e.m.Lock()
	defer e.m.Unlock()
	return Stats{
		TotalFileCount: len(e.refs),
		UsedBytes:      e.used,
		MaxBytes:       e.maxSize,
	}
}

// AddRef records one more manifest referencing the given object.
func (e *Engine) AddRef(hash string) error {
	e.m.Lock()
	defer e.m.Unlock()
	info, ok := e.refs[hash]
	if !ok {
		return ErrNotFound
	}
	info.Refs++
	info.LastRef = time.Now().UTC()
	return nil
}

// ReleaseRef records that one manifest no longer references the given
// object. The object stays in the depot until it is evicted or removed.
func (e *Engine) ReleaseRef(hash string) error {
	e.m.Lock()
	defer e.m.Unlock()
	info, ok := e.refs[hash]
	if !ok {
		return ErrNotFound
	}
	if info.Refs > 0 {
		info.Refs--
	}
	return nil
}

// reserve accounts for size bytes about to be stored, evicting old
// unreferenced objects if the cap would be exceeded. It returns
// ErrOutOfSpace when eviction cannot make enough room.
func (e *Engine) reserve(size int64) error {
	e.m.Lock()
	defer e.m.Unlock()
	if e.maxSize > 0 {
		if size > e.maxSize {
			return ErrOutOfSpace
		}
		for e.used+size > e.maxSize {
			if !e.evictOne() {
				return ErrOutOfSpace
			}
		}
	}
	e.used += size
	return nil
}

func (e *Engine) unreserve(size int64) {
	e.m.Lock()
	e.used -= size
	e.m.Unlock()
}

// evictOne removes the unreferenced object with the oldest last-reference
// time. It reports whether anything was evicted. Called with e.m held.
func (e *Engine) evictOne() bool {
	var victim string
	var oldest time.Time
	for hash, info := range e.refs {
		if info.Refs > 0 {
			continue
		}
		if victim == "" || info.LastRef.Before(oldest) {
			victim = hash
			oldest = info.LastRef
		}
	}
	if victim == "" {
		return false
	}
	size := e.refs[victim].Size
	delete(e.refs, victim)
	e.used -= size
	if err := e.objects.Delete(victim); err != nil {
		log.Println("cas: evict", victim, err)
		raven.CaptureError(err, nil)
	}
	return true
}

// Sweep deletes objects present in the object store but absent from the
// reference index. Orphans appear when an ingest crashes between writing
// the object and committing the index. It returns the number removed.
func (e *Engine) Sweep() int {
	var orphans []string
	for key := range e.objects.List() {
		if !IsValidHash(key) {
			continue
		}
		e.m.Lock()
		_, ok := e.refs[key]
		e.m.Unlock()
		if !ok {
			orphans = append(orphans, key)
		}
	}
	var removed int
	for _, key := range orphans {
		e.locks.Lock(key)
		e.m.Lock()
		_, reappeared := e.refs[key]
		e.m.Unlock()
		if !reappeared {
			if err := e.objects.Delete(key); err != nil {
				log.Println("cas: sweep", key, err)
			} else {
				removed++
			}
		}
		e.locks.Unlock(key)
	}
	if removed > 0 {
		log.Println("cas: sweep removed", removed, "orphaned objects")
	}
	return removed
}

func (e *Engine) sweeper(interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			e.Sweep()
		case <-e.done:
			return
		}
	}
}

// loadIndex reads the saved reference index, or rebuilds it by scanning
// the object store when no saved copy exists. Rebuilt entries start with
// zero references; the manifest pool restores the real counts when it
// loads its records.
func (e *Engine) loadIndex() error {
	e.refs = make(map[string]*refInfo)
	e.used = 0
	rac, _, err := e.index.Open(indexKey)
	if err == nil {
		dec := json.NewDecoder(store.NewReader(rac))
		err = dec.Decode(&e.refs)
		rac.Close()
		if err == nil {
			for _, info := range e.refs {
				e.used += info.Size
			}
			return nil
		}
		log.Println("cas: index unreadable, rebuilding:", err)
	}
	return e.rebuildIndex()
}

func (e *Engine) rebuildIndex() error {
	e.rebuilt = true
	now := time.Now().UTC()
	for key := range e.objects.List() {
		if !IsValidHash(key) {
			continue
		}
		rac, size, err := e.objects.Open(key)
		if err != nil {
			return err
		}
		rac.Close()
		e.refs[key] = &refInfo{Size: size, LastRef: now}
		e.used += size
	}
	e.saveIndex()
	return nil
}

// saveIndex persists the reference index. Failures are logged and do not
// fail the operation that triggered the save; the index rebuilds on the
// next start.
func (e *Engine) saveIndex() {
	e.m.Lock()
	data, err := json.MarshalIndent(e.refs, "", "  ")
	e.m.Unlock()
	if err != nil {
		log.Println("cas: encode index:", err)
		return
	}
	e.index.Delete(indexKey)
	w, err := e.index.Create(indexKey)
	if err != nil {
		log.Println("cas: save index:", err)
		raven.CaptureError(err, nil)
		return
	}
	_, err = w.Write(data)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Println("cas: save index:", err)
		raven.CaptureError(err, nil)
	}
}
