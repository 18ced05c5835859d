package clientapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/manifests/1.104.ea.patch.generals",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"1.104.ea.patch.generals","displayName":"Patch 1.04"}`)
		})
	mux.HandleFunc("/manifests/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("q") != "patch" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[{"ID":"1.104.ea.patch.generals","DisplayName":"Patch 1.04","URL":"http://x/p.zip"}]`)
	})
	mux.HandleFunc("/objects/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "0123456789")
	})
	mux.HandleFunc("/acquisitions/job-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-1","phase":"downloading","percent":20}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestManifestInfo(t *testing.T) {
	srv := stubServer(t)
	c := &Connection{HostURL: srv.URL}

	v, err := c.ManifestInfo("1.104.ea.patch.generals")
	if err != nil {
		t.Fatalf("ManifestInfo() error = %v", err)
	}
	if name, _ := v.GetString("displayName"); name != "Patch 1.04" {
		t.Errorf("displayName = %q", name)
	}

	_, err = c.ManifestInfo("1.1.nobody.patch.unknown")
	if err != ErrNotFound {
		t.Errorf("missing manifest error = %v, want ErrNotFound", err)
	}
}

func TestSearch(t *testing.T) {
	srv := stubServer(t)
	c := &Connection{HostURL: srv.URL}

	results, err := c.Search(context.Background(), "patch")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].URL != "http://x/p.zip" {
		t.Errorf("Search() = %+v", results)
	}
	if results[0].ID.Name != "generals" {
		t.Errorf("result id = %v", results[0].ID)
	}

	empty, err := c.Search(context.Background(), "nothing")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty search = %v, %v", empty, err)
	}
}

func TestDownloadObject(t *testing.T) {
	srv := stubServer(t)
	c := &Connection{HostURL: srv.URL}

	var buf bytes.Buffer
	hash := "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882"
	if err := c.DownloadObject(&buf, hash); err != nil {
		t.Fatalf("DownloadObject() error = %v", err)
	}
	if buf.String() != "0123456789" {
		t.Errorf("DownloadObject() = %q", buf.String())
	}
}

func TestAcquisitionStatus(t *testing.T) {
	srv := stubServer(t)
	c := &Connection{HostURL: srv.URL}

	phase, pct, errmsg, err := c.AcquisitionStatus("job-1")
	if err != nil {
		t.Fatalf("AcquisitionStatus() error = %v", err)
	}
	if phase != "downloading" || pct != 20 || errmsg != "" {
		t.Errorf("status = %q %d %q", phase, pct, errmsg)
	}
}
