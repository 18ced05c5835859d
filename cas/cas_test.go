package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warchest/warchest/store"
)

func testEngine(t *testing.T, cfg Config) (*Engine, *store.Memory) {
	t.Helper()
	ms := store.NewMemory()
	e, err := New(ms, store.NewWithPrefix(ms, "index:"), "", cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, ms
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "source")
	if err := ioutil.WriteFile(p, []byte(content), 0664); err != nil {
		t.Fatal(err)
	}
	return p
}

func hashOf(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func TestPutRoundTrip(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	const content = "every good boy does fine"
	p := writeTemp(t, content)

	hash, size, err := e.Put(context.Background(), p, "")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if hash != hashOf(content) {
		t.Errorf("Put() hash = %s, want %s", hash, hashOf(content))
	}
	if size != int64(len(content)) {
		t.Errorf("Put() size = %d, want %d", size, len(content))
	}
	if !e.Contains(hash) {
		t.Errorf("Contains(%s) = false after Put", hash)
	}

	var buf bytes.Buffer
	if err := e.Retrieve(context.Background(), hash, &buf); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if buf.String() != content {
		t.Errorf("Retrieve() = %q, want %q", buf.String(), content)
	}
}

func TestPutDeduplicates(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	const content = "same bytes twice"
	p1 := writeTemp(t, content)
	p2 := writeTemp(t, content)

	h1, _, err := e.Put(context.Background(), p1, "")
	if err != nil {
		t.Fatal(err)
	}
	h2, _, err := e.Put(context.Background(), p2, "")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("identical content gave different hashes %s and %s", h1, h2)
	}
	s := e.Stats()
	if s.TotalFileCount != 1 {
		t.Errorf("TotalFileCount = %d, want 1", s.TotalFileCount)
	}
	if s.UsedBytes != int64(len(content)) {
		t.Errorf("UsedBytes = %d, want %d", s.UsedBytes, len(content))
	}
}

func TestPutHashMismatch(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	p := writeTemp(t, "actual content")
	wrong := hashOf("different content")

	_, _, err := e.Put(context.Background(), p, wrong)
	if _, ok := err.(HashMismatchError); !ok {
		t.Errorf("Put() error = %v, want HashMismatchError", err)
	}
	if e.Contains(wrong) {
		t.Errorf("mismatched object was stored")
	}
}

func TestPutBadHash(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	p := writeTemp(t, "x")
	if _, _, err := e.Put(context.Background(), p, "not-a-hash"); err != ErrBadHash {
		t.Errorf("Put() error = %v, want ErrBadHash", err)
	}
}

func TestRetrieveMissing(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	var buf bytes.Buffer
	err := e.Retrieve(context.Background(), hashOf("nothing"), &buf)
	if err != ErrNotFound {
		t.Errorf("Retrieve() error = %v, want ErrNotFound", err)
	}
}

func TestRetrieveDetectsCorruption(t *testing.T) {
	e, ms := testEngine(t, Config{})
	defer e.Stop()
	p := writeTemp(t, "original bytes")
	hash, _, err := e.Put(context.Background(), p, "")
	if err != nil {
		t.Fatal(err)
	}
	// corrupt the stored object behind the engine's back
	if err := ms.Delete(hash); err != nil {
		t.Fatal(err)
	}
	w, err := ms.Create(hash)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("tampered bytes"))
	w.Close()

	var buf bytes.Buffer
	err = e.Retrieve(context.Background(), hash, &buf)
	if _, ok := err.(HashMismatchError); !ok {
		t.Errorf("Retrieve() error = %v, want HashMismatchError", err)
	}
}

func TestCapacityEviction(t *testing.T) {
	e, _ := testEngine(t, Config{MaxSize: 25})
	defer e.Stop()
	ctx := context.Background()

	h1, _, err := e.Put(ctx, writeTemp(t, "aaaaaaaaaa"), "") // 10 bytes
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReleaseRef(h1); err != nil {
		t.Fatal(err)
	}
	// make h1 the LRU candidate
	time.Sleep(5 * time.Millisecond)
	h2, _, err := e.Put(ctx, writeTemp(t, "bbbbbbbbbb"), "") // 10 bytes
	if err != nil {
		t.Fatal(err)
	}
	// 20 of 25 bytes used; the next 10 need an eviction
	h3, _, err := e.Put(ctx, writeTemp(t, "cccccccccc"), "")
	if err != nil {
		t.Fatalf("Put() with eviction available error = %v", err)
	}
	if e.Contains(h1) {
		t.Errorf("unreferenced oldest object was not evicted")
	}
	if !e.Contains(h2) || !e.Contains(h3) {
		t.Errorf("referenced objects were evicted")
	}

	// everything left is referenced, so the depot is truly full now
	_, _, err = e.Put(ctx, writeTemp(t, "dddddddddddddddddddd"), "")
	if err != ErrOutOfSpace {
		t.Errorf("Put() on full depot error = %v, want ErrOutOfSpace", err)
	}
}

func TestRemoveRespectsRefs(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	hash, _, err := e.Put(context.Background(), writeTemp(t, "keep me"), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Remove(hash); err != ErrObjectInUse {
		t.Errorf("Remove() of referenced object error = %v, want ErrObjectInUse", err)
	}
	if err := e.ReleaseRef(hash); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove(hash); err != nil {
		t.Errorf("Remove() of unreferenced object error = %v", err)
	}
	if e.Contains(hash) {
		t.Errorf("object still present after Remove")
	}
}

func TestIndexSurvivesRestart(t *testing.T) {
	ms := store.NewMemory()
	index := store.NewWithPrefix(ms, "index:")
	e, err := New(ms, index, "", Config{})
	if err != nil {
		t.Fatal(err)
	}
	hash, size, err := e.Put(context.Background(), writeTemp(t, "persistent"), "")
	if err != nil {
		t.Fatal(err)
	}
	e.Stop()

	e2, err := New(ms, index, "", Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Stop()
	if !e2.Contains(hash) {
		t.Errorf("object lost across restart")
	}
	s := e2.Stats()
	if s.TotalFileCount != 1 || s.UsedBytes != size {
		t.Errorf("Stats after restart = %+v", s)
	}
}

func TestSweepRemovesOrphans(t *testing.T) {
	e, ms := testEngine(t, Config{})
	defer e.Stop()
	// an orphan: present in the store, absent from the index
	orphan := hashOf("orphan")
	w, err := ms.Create(orphan)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("orphan"))
	w.Close()

	hash, _, err := e.Put(context.Background(), writeTemp(t, "wanted"), "")
	if err != nil {
		t.Fatal(err)
	}
	if n := e.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if !e.Contains(hash) {
		t.Errorf("Sweep removed a referenced object")
	}
	if _, _, err := ms.Open(orphan); err == nil {
		t.Errorf("orphan still present after Sweep")
	}
}

func TestPutCanceledContext(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := e.Put(ctx, writeTemp(t, "never stored"), "")
	if err != context.Canceled {
		t.Errorf("Put() error = %v, want context.Canceled", err)
	}
}

func TestRetrieveFile(t *testing.T) {
	e, _ := testEngine(t, Config{})
	defer e.Stop()
	const content = "file on disk"
	hash, _, err := e.Put(context.Background(), writeTemp(t, content), "")
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := e.RetrieveFile(context.Background(), hash, dest, false); err != nil {
		t.Fatalf("RetrieveFile() error = %v", err)
	}
	data, err := ioutil.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Errorf("RetrieveFile wrote %q, want %q", data, content)
	}
	if _, err := os.Stat(dest + ".partial"); !os.IsNotExist(err) {
		t.Errorf("partial file left behind")
	}
}
