// Package cas implements the content-addressable half of a depot. Objects
// are immutable byte streams named by the lowercase hex SHA-256 of their
// contents. Identical files stored under any number of manifests occupy
// the space of one object.
//
// The engine tracks a reference count and a last-reference time per
// object. When a size cap is configured and the depot is full, unreferenced
// objects are evicted oldest first before an ingest is refused.
package cas

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/warchest/warchest/store"
	"github.com/warchest/warchest/util"
)

// Config adjusts an Engine. The zero value gives an unbounded depot with
// default concurrency and retry settings.
type Config struct {
	// MaxSize caps the total bytes of stored objects. 0 means unbounded.
	MaxSize int64

	// MaxConcurrent bounds the number of ingests running at once.
	// Defaults to 4.
	MaxConcurrent int

	// Retry bounds how failed storage operations are retried.
	Retry RetryPolicy

	// GCInterval is how often orphaned objects are swept. 0 disables the
	// background sweep; Sweep can still be called directly.
	GCInterval time.Duration
}

// An Engine stores and retrieves content objects. It is safe for use from
// multiple goroutines.
type Engine struct {
	objects store.Store
	index   store.Store
	locks   *lockSet
	gate    *util.Gate
	retry   RetryPolicy
	maxSize int64
	done    chan struct{}

	m       sync.Mutex // protects refs and used
	refs    map[string]*refInfo
	used    int64
	rebuilt bool
}

// IndexRebuilt reports whether the reference index was rebuilt from the
// object store when the engine opened. A rebuilt index has no reference
// counts; the caller should restore them from its manifest records.
func (e *Engine) IndexRebuilt() bool {
	return e.rebuilt
}

// New opens an engine over the given object store. The index store keeps
// the reference index between runs; it is usually a prefixed view of the
// same underlying store. lockDir, if not empty, is a directory where
// cross-process lock files are kept. The returned engine has loaded its
// index, rebuilding it from the object store if the saved copy is missing.
func New(objects, index store.Store, lockDir string, cfg Config) (*Engine, error) {
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = 4
	}
	e := &Engine{
		objects: objects,
		index:   index,
		locks:   newLockSet(lockDir),
		gate:    util.NewGate(n),
		retry:   cfg.Retry.orDefault(),
		maxSize: cfg.MaxSize,
		done:    make(chan struct{}),
	}
	if err := e.loadIndex(); err != nil {
		return nil, err
	}
	if cfg.GCInterval > 0 {
		go e.sweeper(cfg.GCInterval)
	}
	return e, nil
}

// Stop shuts the engine down. Ingests waiting to start will fail with
// ErrStopped; operations already running finish normally.
func (e *Engine) Stop() {
	e.gate.Stop()
	close(e.done)
}

// Put ingests the file at sourcePath into the depot and returns its hash
// and size. If expectedHash is not empty the source must hash to exactly
// that value. Ingesting content that is already stored is cheap: the
// object's reference count goes up and nothing is copied. The first ingest
// of new content holds one reference on the object.
func (e *Engine) Put(ctx context.Context, sourcePath, expectedHash string) (string, int64, error) {
	if expectedHash != "" && !IsValidHash(expectedHash) {
		return "", 0, ErrBadHash
	}
	if !e.gate.Enter() {
		return "", 0, ErrStopped
	}
	defer e.gate.Leave()

	// First pass over the source just computes the hash. The copy
	// happens only when the object turns out to be new.
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", 0, err
	}
	hash, size, err := util.HashFileSHA256(f)
	f.Close()
	if err != nil {
		return "", 0, err
	}
	if expectedHash != "" && hash != expectedHash {
		return "", 0, HashMismatchError{Want: expectedHash, Got: hash}
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	e.locks.Lock(hash)
	defer e.locks.Unlock(hash)

	if e.addRefIfPresent(hash) {
		return hash, size, nil
	}
	if err := e.reserve(size); err != nil {
		return "", 0, err
	}
	err = retry(ctx, e.retry, "ingest", func() error {
		return e.copyIn(sourcePath, hash)
	})
	if err != nil {
		e.unreserve(size)
		return "", 0, err
	}
	e.commit(hash, size)
	return hash, size, nil
}

// copyIn streams the source file into the object store under the given
// hash, verifying the bytes as they go by.
func (e *Engine) copyIn(sourcePath, hash string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := e.objects.Create(hash)
	if err == store.ErrKeyExists {
		// another process got here first, which is fine
		return nil
	}
	if err != nil {
		return err
	}
	hw := util.NewHashWriter(w)
	_, err = io.Copy(hw, src)
	if err != nil {
		w.Close()
		e.objects.Delete(hash)
		return err
	}
	if err := w.Close(); err != nil {
		e.objects.Delete(hash)
		return err
	}
	if got := hw.SumSHA256Hex(); got != hash {
		// the source changed underneath us between the two passes
		e.objects.Delete(hash)
		return HashMismatchError{Want: hash, Got: got}
	}
	return nil
}

// Open returns a reader over the stored object with the given hash. The
// caller must close it. The bytes are served as stored; use Retrieve to
// verify them on the way out.
func (e *Engine) Open(hash string) (store.ReadAtCloser, int64, error) {
	if !IsValidHash(hash) {
		return nil, 0, ErrBadHash
	}
	rac, size, err := e.objects.Open(hash)
	if err != nil {
		return nil, 0, ErrNotFound
	}
	e.touch(hash)
	return rac, size, nil
}

// Retrieve copies the object with the given hash to w, verifying the
// stream against its hash. A mismatch means the stored object is corrupt;
// the bytes already written to w should be discarded.
func (e *Engine) Retrieve(ctx context.Context, hash string, w io.Writer) error {
	if !IsValidHash(hash) {
		return ErrBadHash
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rac, _, err := e.objects.Open(hash)
	if err != nil {
		return ErrNotFound
	}
	defer rac.Close()
	hw := util.NewHashWriter(w)
	if _, err := io.Copy(hw, store.NewReader(rac)); err != nil {
		return err
	}
	if got := hw.SumSHA256Hex(); got != hash {
		return HashMismatchError{Want: hash, Got: got}
	}
	e.touch(hash)
	return nil
}

// RetrieveFile materializes the object with the given hash at destPath.
// The file is written next to its destination and renamed into place, so
// a failed retrieval never leaves a truncated file behind.
func (e *Engine) RetrieveFile(ctx context.Context, hash, destPath string, executable bool) error {
	tmp := destPath + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664)
	if err != nil {
		return err
	}
	err = e.Retrieve(ctx, hash, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if executable {
		os.Chmod(tmp, 0775)
	}
	return os.Rename(tmp, destPath)
}

// Contains reports whether an object with the given hash is stored.
func (e *Engine) Contains(hash string) bool {
	e.m.Lock()
	_, ok := e.refs[hash]
	e.m.Unlock()
	return ok
}

// Remove deletes the object with the given hash. It refuses to remove an
// object that still has references.
func (e *Engine) Remove(hash string) error {
	if !IsValidHash(hash) {
		return ErrBadHash
	}
	e.locks.Lock(hash)
	defer e.locks.Unlock(hash)
	e.m.Lock()
	info, ok := e.refs[hash]
	if !ok {
		e.m.Unlock()
		return ErrNotFound
	}
	if info.Refs > 0 {
		e.m.Unlock()
		return ErrObjectInUse
	}
	delete(e.refs, hash)
	e.used -= info.Size
	e.m.Unlock()
	if err := e.objects.Delete(hash); err != nil {
		log.Println("cas: delete", hash, err)
		return err
	}
	e.saveIndex()
	return nil
}

// addRefIfPresent bumps the reference count if the object is stored.
func (e *Engine) addRefIfPresent(hash string) bool {
	e.m.Lock()
	defer e.m.Unlock()
	info, ok := e.refs[hash]
	if !ok {
		return false
	}
	info.Refs++
	info.LastRef = time.Now().UTC()
	return true
}

func (e *Engine) touch(hash string) {
	e.m.Lock()
	if info, ok := e.refs[hash]; ok {
		info.LastRef = time.Now().UTC()
	}
	e.m.Unlock()
}

func (e *Engine) commit(hash string, size int64) {
	e.m.Lock()
	e.refs[hash] = &refInfo{
		Size:    size,
		Refs:    1,
		LastRef: time.Now().UTC(),
	}
	e.m.Unlock()
	e.saveIndex()
}
