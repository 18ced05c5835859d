// Package pool keeps the manifest records of a depot. Each record is a
// JSON document stored under a sanitized form of its identifier with a
// ".manifest.json" suffix, so a depot can be inspected and repaired with
// ordinary file tools.
//
// Adding a manifest first ingests its files into content storage and only
// then writes the record, so a crash can orphan objects (the engine sweep
// reclaims them) but can never produce a record pointing at missing
// content.
package pool

import (
	"context"
	"encoding/json"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"

	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/store"
)

// recordSuffix ends every manifest record key.
const recordSuffix = ".manifest.json"

var (
	// ErrNotFound means no manifest with the given ID is registered.
	ErrNotFound = errors.New("manifest not found")
)

// A Pool is the collection of manifests registered in one depot.
type Pool struct {
	records store.Store
	engine  *cas.Engine

	// Progress, if set, is called as AddManifest ingests files, with
	// the count stored so far and the total. Set it before the pool is
	// shared; it must be safe for concurrent calls.
	Progress func(id manifest.ID, done, total int)

	sf singleflight.Group

	m      sync.Mutex
	cache  map[string]*manifest.Manifest
	adding map[string]*sync.Mutex // per-ID write locks
}

// New opens a pool over the given record store and content engine. Records
// are loaded lazily; New itself touches nothing.
func New(records store.Store, engine *cas.Engine) *Pool {
	return &Pool{
		records: records,
		engine:  engine,
		cache:   make(map[string]*manifest.Manifest),
		adding:  make(map[string]*sync.Mutex),
	}
}

func recordKey(id manifest.ID) string {
	return manifest.SanitizeID(id) + recordSuffix
}

// idLock returns the write lock for the given manifest ID.
func (p *Pool) idLock(id manifest.ID) *sync.Mutex {
	p.m.Lock()
	defer p.m.Unlock()
	l := p.adding[id.String()]
	if l == nil {
		l = &sync.Mutex{}
		p.adding[id.String()] = l
	}
	return l
}

// AddManifest registers a manifest whose files sit under root at their
// manifest-relative paths. Every file is ingested into content storage and
// its entry rewritten to reference the stored object. The record is written
// only after every file is safely stored. Adding the same content twice is
// harmless. A manifest with the same ID as an existing record supersedes
// it: the new record replaces the old and references held on the old
// version's objects are released.
//
// On error nothing is registered and any references taken during the
// attempt are released.
func (p *Pool) AddManifest(ctx context.Context, m *manifest.Manifest, root string) (*manifest.Manifest, error) {
	l := p.idLock(m.ID)
	l.Lock()
	defer l.Unlock()

	old, err := p.load(m.ID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	rec := *m
	rec.Files = append([]manifest.File(nil), m.Files...)
	var taken []string
	release := func() {
		for _, h := range taken {
			p.engine.ReleaseRef(h)
		}
	}
	for i := range rec.Files {
		f := &rec.Files[i]
		local := filepath.Join(root, filepath.FromSlash(f.Path))
		expected := ""
		if cas.IsValidHash(f.Hash) {
			expected = f.Hash
		}
		hash, size, err := p.engine.Put(ctx, local, expected)
		if err != nil {
			release()
			return nil, errors.Wrapf(err, "ingest %s", f.Path)
		}
		taken = append(taken, hash)
		f.Hash = hash
		f.Size = size
		f.Source = manifest.SourceContentAddressable
		f.DownloadURL = ""
		if p.Progress != nil {
			p.Progress(rec.ID, i+1, len(rec.Files))
		}
	}

	if err := p.save(&rec); err != nil {
		release()
		return nil, err
	}

	// the record now holds the references; rebalance away the old ones
	if old != nil {
		for i := range old.Files {
			if h := old.Files[i].Hash; cas.IsValidHash(h) {
				p.engine.ReleaseRef(h)
			}
		}
		log.Println("pool:", m.ID, "superseded previous record")
	}

	p.m.Lock()
	p.cache[m.ID.String()] = &rec
	p.m.Unlock()
	return &rec, nil
}

// Manifest returns the registered manifest with the given ID. Concurrent
// lookups of the same ID share one read of the record.
func (p *Pool) Manifest(id manifest.ID) (*manifest.Manifest, error) {
	p.m.Lock()
	if m, ok := p.cache[id.String()]; ok {
		p.m.Unlock()
		return m, nil
	}
	p.m.Unlock()

	val, err := p.sf.Do(id.String(), func() (interface{}, error) {
		m, err := p.load(id)
		if err != nil {
			return nil, err
		}
		p.m.Lock()
		p.cache[id.String()] = m
		p.m.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*manifest.Manifest), nil
}

// AllManifests returns every registered manifest. The records are read
// from the store, so the list is authoritative even if the cache is cold.
func (p *Pool) AllManifests() ([]*manifest.Manifest, error) {
	var result []*manifest.Manifest
	for key := range p.records.List() {
		if !strings.HasSuffix(key, recordSuffix) {
			continue
		}
		m, err := p.loadKey(key)
		if err != nil {
			log.Println("pool: skipping unreadable record", key, err)
			continue
		}
		p.m.Lock()
		p.cache[m.ID.String()] = m
		p.m.Unlock()
		result = append(result, m)
	}
	return result, nil
}

// RemoveManifest deletes the record with the given ID and releases the
// references it held on content objects. The objects themselves stay in
// the depot until evicted or swept.
func (p *Pool) RemoveManifest(id manifest.ID) error {
	l := p.idLock(id)
	l.Lock()
	defer l.Unlock()

	m, err := p.load(id)
	if err != nil {
		return err
	}
	if err := p.records.Delete(recordKey(id)); err != nil {
		return errors.Wrapf(err, "remove record %s", id)
	}
	for i := range m.Files {
		if h := m.Files[i].Hash; cas.IsValidHash(h) {
			p.engine.ReleaseRef(h)
		}
	}
	p.m.Lock()
	delete(p.cache, id.String())
	p.m.Unlock()
	return nil
}

// RestoreRefs walks every record and re-registers its references with the
// content engine. It is called once after opening a depot whose engine
// rebuilt its index from scratch.
func (p *Pool) RestoreRefs() error {
	all, err := p.AllManifests()
	if err != nil {
		return err
	}
	for _, m := range all {
		for i := range m.Files {
			if h := m.Files[i].Hash; cas.IsValidHash(h) {
				p.engine.AddRef(h)
			}
		}
	}
	return nil
}

func (p *Pool) load(id manifest.ID) (*manifest.Manifest, error) {
	return p.loadKey(recordKey(id))
}

func (p *Pool) loadKey(key string) (*manifest.Manifest, error) {
	rac, _, err := p.records.Open(key)
	if err != nil {
		return nil, ErrNotFound
	}
	defer rac.Close()
	m := new(manifest.Manifest)
	if err := json.NewDecoder(store.NewReader(rac)).Decode(m); err != nil {
		return nil, errors.Wrapf(err, "decode record %s", key)
	}
	return m, nil
}

// save writes a record with the delete-then-create dance our stores need,
// since stored values are immutable.
func (p *Pool) save(m *manifest.Manifest) error {
	key := recordKey(m.ID)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	p.records.Delete(key)
	w, err := p.records.Create(key)
	if err != nil {
		return errors.Wrapf(err, "write record %s", m.ID)
	}
	_, err = w.Write(data)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "write record %s", m.ID)
	}
	return nil
}
