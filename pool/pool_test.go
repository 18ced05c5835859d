package pool

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/store"
)

func testPool(t *testing.T) (*Pool, *cas.Engine) {
	t.Helper()
	ms := store.NewMemory()
	engine, err := cas.New(
		store.NewWithPrefix(ms, "obj:"),
		store.NewWithPrefix(ms, "idx:"),
		"", cas.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Stop)
	return New(store.NewWithPrefix(ms, "man:"), engine), engine
}

// stage writes the given files under a fresh directory, creating
// subdirectories as needed, and returns the directory.
func stage(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0775); err != nil {
			t.Fatal(err)
		}
		if err := ioutil.WriteFile(full, []byte(content), 0664); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func patchManifest(t *testing.T, version string, files ...string) *manifest.Manifest {
	t.Helper()
	id := manifest.ID{Schema: 1, Version: version, Publisher: "ea",
		Type: "patch", Name: "generals"}
	b := manifest.NewBuilder(id, "Generals Patch "+version, manifest.TypePatch, "generals")
	for _, f := range files {
		b.AddFile(manifest.File{Path: f, Source: manifest.SourcePackage})
	}
	m, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestAddManifest(t *testing.T) {
	p, engine := testPool(t)
	m := patchManifest(t, "1.04", "generals.exe", "Data/INI/data.ini")
	root := stage(t, map[string]string{
		"generals.exe":      "0123456789", // 10 bytes
		"Data/INI/data.ini": "abcde",      // 5 bytes
	})

	var ticks []int
	p.Progress = func(id manifest.ID, done, total int) {
		if total != 2 {
			t.Errorf("Progress total = %d, want 2", total)
		}
		ticks = append(ticks, done)
	}

	rec, err := p.AddManifest(context.Background(), m, root)
	if err != nil {
		t.Fatalf("AddManifest() error = %v", err)
	}
	for _, f := range rec.Files {
		if f.Source != manifest.SourceContentAddressable {
			t.Errorf("%s: source = %q after add", f.Path, f.Source)
		}
		if len(f.Hash) != 64 {
			t.Errorf("%s: hash %q is not 64 characters", f.Path, f.Hash)
		}
		if !engine.Contains(f.Hash) {
			t.Errorf("%s: object %s not stored", f.Path, f.Hash)
		}
	}
	if s := engine.Stats(); s.TotalFileCount != 2 {
		t.Errorf("TotalFileCount = %d, want 2", s.TotalFileCount)
	}
	if s := engine.Stats(); s.UsedBytes != 15 {
		t.Errorf("UsedBytes = %d, want 15", s.UsedBytes)
	}
	if len(ticks) != 2 || ticks[1] != 2 {
		t.Errorf("Progress calls = %v, want [1 2]", ticks)
	}

	got, err := p.Manifest(m.ID)
	if err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	if got.DisplayName != m.DisplayName || len(got.Files) != 2 {
		t.Errorf("Manifest() = %+v", got)
	}
}

func TestAddManifestIdempotent(t *testing.T) {
	p, engine := testPool(t)
	m := patchManifest(t, "1.04", "a.txt")
	root := stage(t, map[string]string{"a.txt": "same content"})

	if _, err := p.AddManifest(context.Background(), m, root); err != nil {
		t.Fatal(err)
	}
	before := engine.Stats()

	m2 := patchManifest(t, "1.04", "a.txt")
	if _, err := p.AddManifest(context.Background(), m2, root); err != nil {
		t.Fatalf("second AddManifest() error = %v", err)
	}
	after := engine.Stats()
	if after.TotalFileCount != before.TotalFileCount ||
		after.UsedBytes != before.UsedBytes {
		t.Errorf("repeated add changed stats: %+v then %+v", before, after)
	}
}

func TestAddManifestSupersedes(t *testing.T) {
	p, engine := testPool(t)
	ctx := context.Background()

	old := patchManifest(t, "1.04", "a.txt")
	if _, err := p.AddManifest(ctx, old,
		stage(t, map[string]string{"a.txt": "old bytes"})); err != nil {
		t.Fatal(err)
	}
	oldRec, err := p.Manifest(old.ID)
	if err != nil {
		t.Fatal(err)
	}
	oldHash := oldRec.Files[0].Hash

	// same ID, new content
	replacement := patchManifest(t, "1.04", "a.txt")
	if _, err := p.AddManifest(ctx, replacement,
		stage(t, map[string]string{"a.txt": "new bytes"})); err != nil {
		t.Fatal(err)
	}

	got, err := p.Manifest(old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Files[0].Hash == oldHash {
		t.Errorf("record still points at superseded object")
	}
	// the old object lost its reference, so Remove succeeds
	if err := engine.Remove(oldHash); err != nil {
		t.Errorf("superseded object still referenced: %v", err)
	}
}

func TestAddManifestHashMismatchRegistersNothing(t *testing.T) {
	p, engine := testPool(t)
	m := patchManifest(t, "1.04", "a.txt", "b.txt")
	// claim a hash the content will not match
	m.Files[1].Hash = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	root := stage(t, map[string]string{"a.txt": "fine", "b.txt": "wrong"})

	if _, err := p.AddManifest(context.Background(), m, root); err == nil {
		t.Fatalf("AddManifest() accepted mismatched content")
	}
	if _, err := p.Manifest(m.ID); err != ErrNotFound {
		t.Errorf("Manifest() after failed add error = %v, want ErrNotFound", err)
	}
	s := engine.Stats()
	if s.TotalFileCount > 1 {
		t.Errorf("TotalFileCount = %d after failed add", s.TotalFileCount)
	}
}

func TestAllManifestsAndRemove(t *testing.T) {
	p, _ := testPool(t)
	ctx := context.Background()
	a := patchManifest(t, "1.04", "a.txt")
	if _, err := p.AddManifest(ctx, a,
		stage(t, map[string]string{"a.txt": "aa"})); err != nil {
		t.Fatal(err)
	}
	b := patchManifest(t, "1.05", "b.txt")
	if _, err := p.AddManifest(ctx, b,
		stage(t, map[string]string{"b.txt": "bb"})); err != nil {
		t.Fatal(err)
	}

	all, err := p.AllManifests()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("AllManifests() returned %d records", len(all))
	}

	if err := p.RemoveManifest(a.ID); err != nil {
		t.Fatalf("RemoveManifest() error = %v", err)
	}
	if _, err := p.Manifest(a.ID); err != ErrNotFound {
		t.Errorf("Manifest() after remove error = %v, want ErrNotFound", err)
	}
	all, err = p.AllManifests()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].ID.Equal(b.ID) {
		t.Errorf("AllManifests() after remove = %d records", len(all))
	}
}
