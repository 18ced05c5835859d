package acquire

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/pool"
	"github.com/warchest/warchest/store"
)

func testOrchestrator(t *testing.T) (*Orchestrator, *cas.Engine, *pool.Pool) {
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
	p := pool.New(store.NewWithPrefix(ms, "man:"), engine)
	reg := &Registry{}
	reg.Register(&ArchiveDeliverer{})
	reg.Register(&FileDeliverer{})
	o := &Orchestrator{
		Pool:       p,
		Deliverers: reg,
		ScratchDir: t.TempDir(),
	}
	return o, engine, p
}

// makeZip builds a zip archive in memory from path/content pairs.
func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for p, content := range files {
		w, err := zw.Create(p)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// makeTarGz builds a gzipped tar archive in memory from path/content
// pairs.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for p, content := range files {
		hdr := &tar.Header{
			Name:     p,
			Mode:     0664,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serveBytes(t *testing.T, name string, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/"+name {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}))
	t.Cleanup(srv.Close)
	return srv
}

func patchResult(url string) SearchResult {
	return SearchResult{
		ID: manifest.ID{Schema: 1, Version: "1.04", Publisher: "ea",
			Type: "patch", Name: "generals"},
		DisplayName: "Generals Patch 1.04",
		Type:        manifest.TypePatch,
		Game:        "generals",
		URL:         url,
	}
}

func TestAcquireZip(t *testing.T) {
	o, engine, p := testOrchestrator(t)
	data := makeZip(t, map[string]string{
		"generals.exe":      "0123456789", // 10 bytes
		"Data/INI/data.ini": "abcde",      // 5 bytes
	})
	srv := serveBytes(t, "patch104.zip", data)

	var mu sync.Mutex
	var seen []Progress
	o.Observer = func(pr Progress) {
		mu.Lock()
		seen = append(seen, pr)
		mu.Unlock()
	}

	before := engine.Stats().TotalFileCount
	m, err := o.Acquire(context.Background(), patchResult(srv.URL+"/patch104.zip"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("registered manifest has %d files, want 2", len(m.Files))
	}
	for _, f := range m.Files {
		if len(f.Hash) != 64 {
			t.Errorf("%s: hash %q is not 64 characters", f.Path, f.Hash)
		}
		if f.Source != manifest.SourceContentAddressable {
			t.Errorf("%s: source = %q", f.Path, f.Source)
		}
	}
	if exe := m.FileByPath("generals.exe"); exe == nil || exe.Size != 10 {
		t.Errorf("generals.exe entry = %+v", exe)
	}
	if ini := m.FileByPath("Data/INI/data.ini"); ini == nil || ini.Size != 5 {
		t.Errorf("data.ini entry = %+v", ini)
	}
	if after := engine.Stats().TotalFileCount; after != before+2 {
		t.Errorf("TotalFileCount went %d to %d, want +2", before, after)
	}
	if _, err := p.Manifest(m.ID); err != nil {
		t.Errorf("registered manifest not readable: %v", err)
	}

	// progress never moves backwards and ends complete
	last := -1
	for _, pr := range seen {
		if pr.Percent < last {
			t.Errorf("progress went backwards: %d after %d in phase %v",
				pr.Percent, last, pr.Phase)
		}
		last = pr.Percent
	}
	final := seen[len(seen)-1]
	if final.Phase != PhaseCompleted || final.Percent != 100 {
		t.Errorf("final progress = %+v", final)
	}
}

func TestAcquireTarball(t *testing.T) {
	o, engine, p := testOrchestrator(t)
	data := makeTarGz(t, map[string]string{
		"generals.exe":      "0123456789", // 10 bytes
		"Data/INI/data.ini": "abcde",      // 5 bytes
	})
	srv := serveBytes(t, "patch104.tar.gz", data)

	before := engine.Stats().TotalFileCount
	m, err := o.Acquire(context.Background(), patchResult(srv.URL+"/patch104.tar.gz"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("registered manifest has %d files, want 2", len(m.Files))
	}
	if exe := m.FileByPath("generals.exe"); exe == nil || exe.Size != 10 {
		t.Errorf("generals.exe entry = %+v", exe)
	}
	if after := engine.Stats().TotalFileCount; after != before+2 {
		t.Errorf("TotalFileCount went %d to %d, want +2", before, after)
	}
	if _, err := p.Manifest(m.ID); err != nil {
		t.Errorf("registered manifest not readable: %v", err)
	}
}

func TestAcquirePublishedChecksum(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	data := makeZip(t, map[string]string{"generals.exe": "0123456789"})
	srv := serveBytes(t, "patch104.zip", data)

	r := patchResult(srv.URL + "/patch104.zip")
	sum := md5.Sum(data)
	r.MD5 = hex.EncodeToString(sum[:])
	if _, err := o.Acquire(context.Background(), r); err != nil {
		t.Fatalf("Acquire() with matching checksum error = %v", err)
	}

	bad := patchResult(srv.URL + "/patch104.zip")
	bad.MD5 = "d41d8cd98f00b204e9800998ecf8427e" // md5 of no bytes at all
	if _, err := o.Acquire(context.Background(), bad); err == nil {
		t.Fatalf("mismatched checksum did not fail the download")
	}
}

func TestAcquireEmptyArchive(t *testing.T) {
	o, _, p := testOrchestrator(t)
	data := makeZip(t, map[string]string{})
	srv := serveBytes(t, "empty.zip", data)

	r := patchResult(srv.URL + "/empty.zip")
	_, err := o.Acquire(context.Background(), r)
	if _, ok := err.(ValidationError); !ok {
		t.Fatalf("Acquire() error = %v, want ValidationError", err)
	}
	if _, err := p.Manifest(r.ID); err != pool.ErrNotFound {
		t.Errorf("empty content was registered: %v", err)
	}
}

func TestAcquireRejectsTraversal(t *testing.T) {
	o, engine, p := testOrchestrator(t)
	data := makeZip(t, map[string]string{
		"../evil.txt":  "break out",
		"generals.exe": "0123456789",
	})
	srv := serveBytes(t, "evil.zip", data)

	var failed bool
	o.Observer = func(pr Progress) {
		if pr.Phase == PhaseFailed {
			failed = true
		}
	}

	r := patchResult(srv.URL + "/evil.zip")
	if _, err := o.Acquire(context.Background(), r); err == nil {
		t.Fatalf("Acquire() accepted an archive escaping its root")
	}
	if !failed {
		t.Errorf("no failed progress report")
	}
	if _, err := p.Manifest(r.ID); err != pool.ErrNotFound {
		t.Errorf("manifest registered despite hostile archive: %v", err)
	}
	if s := engine.Stats(); s.TotalFileCount != 0 {
		t.Errorf("objects stored despite hostile archive: %d", s.TotalFileCount)
	}
}

func TestAcquireNoDeliverer(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	o.Deliverers = &Registry{}
	_, err := o.Acquire(context.Background(), patchResult("http://example.invalid/x.zip"))
	if err != ErrNoDeliverer {
		t.Errorf("Acquire() error = %v, want ErrNoDeliverer", err)
	}
}

func TestDelivererPrecheck(t *testing.T) {
	ad := &ArchiveDeliverer{}
	if !ad.Precheck(patchResult("http://example.com/pack.zip")) {
		t.Errorf("zip result failed archive precheck")
	}
	rar := patchResult("http://example.com/pack.zip")
	rar.Archive = "rar"
	if ad.Precheck(rar) {
		t.Errorf("unextractable format passed archive precheck")
	}

	fd := &FileDeliverer{}
	if !fd.Precheck(patchResult("http://example.com/extra.ini")) {
		t.Errorf("plain file failed file precheck")
	}
	if fd.Precheck(patchResult("http://example.com/..")) {
		t.Errorf("unusable file name passed file precheck")
	}
}

type panicDeliverer struct{}

func (panicDeliverer) Name() string                   { return "panic" }
func (panicDeliverer) CanDeliver(r SearchResult) bool { return true }
func (panicDeliverer) Precheck(r SearchResult) bool   { return true }
func (panicDeliverer) Deliver(ctx context.Context, r SearchResult, workDir string, report func(Phase, float64)) (*manifest.Manifest, error) {
	panic("deliverer bug")
}

func TestAcquireRecoversPanic(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	reg := &Registry{}
	reg.Register(panicDeliverer{})
	o.Deliverers = reg

	_, err := o.Acquire(context.Background(), patchResult("http://example.invalid/x.zip"))
	if err == nil {
		t.Fatalf("panic in deliverer did not surface as an error")
	}
}

func TestAcquireValidationFailure(t *testing.T) {
	o, _, p := testOrchestrator(t)
	// the manifest claims a size the staged file does not have
	lie := &lyingDeliverer{}
	reg := &Registry{}
	reg.Register(lie)
	o.Deliverers = reg

	r := patchResult("http://example.invalid/x.zip")
	_, err := o.Acquire(context.Background(), r)
	verr, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("Acquire() error = %v, want ValidationError", err)
	}
	if len(verr.Result.Issues) == 0 {
		t.Errorf("ValidationError carries no issues")
	}
	if _, err := p.Manifest(r.ID); err != pool.ErrNotFound {
		t.Errorf("invalid content was registered: %v", err)
	}
}

func writeFile(dir, name, content string) error {
	full := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0775); err != nil {
		return err
	}
	return ioutil.WriteFile(full, []byte(content), 0664)
}

type lyingDeliverer struct{}

func (lyingDeliverer) Name() string                   { return "liar" }
func (lyingDeliverer) CanDeliver(r SearchResult) bool { return true }
func (lyingDeliverer) Precheck(r SearchResult) bool   { return true }
func (lyingDeliverer) Deliver(ctx context.Context, r SearchResult, workDir string, report func(Phase, float64)) (*manifest.Manifest, error) {
	if err := writeFile(workDir, "a.txt", "short"); err != nil {
		return nil, err
	}
	b := manifest.NewBuilder(r.ID, r.DisplayName, r.Type, r.Game)
	b.AddFile(manifest.File{Path: "a.txt", Size: 9999, Source: manifest.SourcePackage})
	return b.Build()
}

func TestAcquireSingleFile(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	srv := serveBytes(t, "extra.ini", []byte("MaxCameraHeight = 500"))

	r := SearchResult{
		ID: manifest.ID{Schema: 1, Version: "1.0", Publisher: "community",
			Type: "config", Name: "camera"},
		DisplayName: "Camera Tweak",
		Type:        manifest.TypeConfig,
		Game:        "generals",
		URL:         srv.URL + "/extra.ini",
	}
	m, err := o.Acquire(context.Background(), r)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Path != "extra.ini" {
		t.Errorf("staged files = %+v", m.Files)
	}
	if m.Files[0].Size != int64(len("MaxCameraHeight = 500")) {
		t.Errorf("size = %d", m.Files[0].Size)
	}
}
