package server

import (
	"expvar"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/warchest/warchest/acquire"
	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/depend"
	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/pool"
	"github.com/warchest/warchest/store"
)

var (
	xObjectsServed   = expvar.NewInt("objects.served")
	xAcquireStarted  = expvar.NewInt("acquire.started")
	xSearchRequested = expvar.NewInt("search.requests")
	xFilesIngested   = expvar.NewInt("files.ingested")
)

// ListManifestsHandler handles GET /manifests
func (s *RESTServer) ListManifestsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	all, err := s.Pool.AllManifests()
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	writeJSON(w, all)
}

// ManifestHandler handles GET /manifests/:id
func (s *RESTServer) ManifestHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := manifest.ParseID(ps.ByName("id"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	m, err := s.Pool.Manifest(id)
	if err == pool.ErrNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	}
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	writeJSON(w, m)
}

// DependenciesHandler handles GET /manifests/:id/dependencies. It reports
// what the manifest needs that the depot does not hold, and which
// registered content could not stay enabled alongside it.
func (s *RESTServer) DependenciesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := manifest.ParseID(ps.ByName("id"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	m, err := s.Pool.Manifest(id)
	if err == pool.ErrNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	}
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	all, err := s.Pool.AllManifests()
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	var report struct {
		Missing   []manifest.Dependency `json:"missing"`
		Conflicts []depend.Conflict     `json:"conflicts"`
	}
	report.Missing = depend.Missing(m, all)
	report.Conflicts = depend.FindConflicts(m, all)
	writeJSON(w, &report)
}

// RemoveManifestHandler handles DELETE /manifests/:id
func (s *RESTServer) RemoveManifestHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := manifest.ParseID(ps.ByName("id"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	err = s.Pool.RemoveManifest(id)
	switch err {
	case nil:
		w.WriteHeader(200)
	case pool.ErrNotFound:
		w.WriteHeader(404)
	default:
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
	}
}

// ObjectHandler handles GET and HEAD /objects/:hash, streaming one stored
// object.
func (s *RESTServer) ObjectHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	hash := ps.ByName("hash")
	src, size, err := s.Engine.Open(hash)
	if err == cas.ErrBadHash {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	if err != nil {
		w.WriteHeader(404)
		return
	}
	defer src.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("ETag", `"`+hash+`"`)
	if r.Method == "HEAD" {
		return
	}
	xObjectsServed.Add(1)
	io.Copy(w, store.NewReader(src))
}

// StatsHandler handles GET /stats
func (s *RESTServer) StatsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, s.Engine.Stats())
}

// SearchHandler handles GET /search?q=term, querying every configured
// content source.
func (s *RESTServer) SearchHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	xSearchRequested.Add(1)
	if s.Sources == nil {
		writeJSON(w, []acquire.SearchResult{})
		return
	}
	results, errs := s.Sources.Search(r.Context(), r.FormValue("q"))
	for _, err := range errs {
		// a broken source should not hide results from working ones
		log.Println("search:", err)
	}
	if results == nil {
		results = []acquire.SearchResult{}
	}
	writeJSON(w, results)
}

// VerifyStatusHandler handles GET /verify/:id, reporting when the given
// manifest is next scheduled for verification.
func (s *RESTServer) VerifyStatusHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.VerifyDatabase == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "verification is disabled")
		return
	}
	when, err := s.VerifyDatabase.LookupVerify(ps.ByName("id"))
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"id":        ps.ByName("id"),
		"scheduled": when,
	})
}
