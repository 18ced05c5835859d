// Package server provides the REST interface to a depot: manifests,
// content objects, acquisitions, and the background verification service
// that re-hashes stored content over time.
package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"path/filepath"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"

	"github.com/warchest/warchest/acquire"
	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/pool"
	"github.com/warchest/warchest/validate"
)

// Version of the server. Set at build time.
var Version = "devel"

// RESTServer holds the configuration for a depot REST server.
//
// Set the public fields and then call Run. Run listens on the given port
// and blocks handling requests. Do not change any fields after calling
// Run.
type RESTServer struct {
	// Port number to listen on. Defaults to 14200.
	PortNumber string
	PProfPort  string

	// Pool is the manifest pool. Run panics if it is nil.
	Pool *pool.Pool

	// Engine is the content engine. Run panics if it is nil.
	Engine *cas.Engine

	// Sources find acquirable content for the search endpoint. May be
	// nil, which leaves search empty.
	Sources *acquire.Sources

	// Orchestrator runs acquisitions started through the API. May be
	// nil, which rejects acquisition requests.
	Orchestrator *acquire.Orchestrator

	// Validator is used by the verification service and the validation
	// endpoint. Nil means a default validator.
	Validator *validate.Validator

	// Pass in a dial string to use a MySQL server for the verification
	// schedule. Otherwise a lightweight embedded database is placed in
	// DataDir, or in memory when DataDir is empty.
	// e.g. "user:password@tcp(localhost:3306)/warchest"
	MySQL string

	// DataDir is where the server keeps its own files, such as the
	// embedded database.
	DataDir string

	// VerifyRate is how fast stored objects are re-hashed, in MB/hour.
	// 0 disables background verification.
	VerifyRate int64

	// VerifyDatabase tracks verification scheduling. If nil one is
	// created per MySQL and DataDir.
	VerifyDatabase VerifyDB
	DisableVerify  bool

	server httpdown.Server // used to close our listening socket
	jobs   *jobSet         // running and finished acquisitions
	verify *verifier
}

// Run initializes the server's databases and background goroutines, and
// then blocks listening for and handling http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting warchest server version %s", Version)

	if s.Pool == nil || s.Engine == nil {
		panic("no depot given. Pool or Engine is nil.")
	}
	if s.PortNumber == "" {
		s.PortNumber = "14200"
	}
	if s.Validator == nil {
		s.Validator = &validate.Validator{}
	}
	if s.Pool.Progress == nil {
		s.Pool.Progress = func(id manifest.ID, done, total int) {
			xFilesIngested.Add(1)
		}
	}
	s.jobs = newJobSet()

	if s.VerifyDatabase == nil && !s.DisableVerify {
		var err error
		if s.MySQL != "" {
			log.Printf("Using MySQL")
			s.VerifyDatabase, err = NewMysqlVerifyDB(s.MySQL)
		} else {
			path := "memory"
			if s.DataDir != "" {
				path = filepath.Join(s.DataDir, "warchest.ql")
			}
			log.Printf("Using internal database at %s", path)
			s.VerifyDatabase, err = NewQlVerifyDB(path)
		}
		if err != nil {
			panic("problem setting up verification database: " + err.Error())
		}
	}
	if !s.DisableVerify && s.VerifyRate > 0 {
		s.verify = newVerifier(s.Pool, s.Engine, s.VerifyDatabase, s.VerifyRate)
		go s.verify.run()
	}

	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop shuts the server down and returns once the listening socket is
// closed. The verification service is stopped first.
func (s *RESTServer) Stop() error {
	if s.verify != nil {
		s.verify.stop()
	}
	return s.server.Stop()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/manifests", s.ListManifestsHandler},
		{"GET", "/manifests/:id", s.ManifestHandler},
		{"GET", "/manifests/:id/dependencies", s.DependenciesHandler},
		{"DELETE", "/manifests/:id", s.RemoveManifestHandler},

		{"GET", "/objects/:hash", s.ObjectHandler},
		{"HEAD", "/objects/:hash", s.ObjectHandler},

		{"GET", "/search", s.SearchHandler},
		{"POST", "/acquisitions", s.StartAcquisitionHandler},
		{"GET", "/acquisitions", s.ListAcquisitionsHandler},
		{"GET", "/acquisitions/:jobid", s.AcquisitionHandler},

		{"GET", "/verify/:id", s.VerifyStatusHandler},

		{"GET", "/", WelcomeHandler},
		{"GET", "/stats", s.StatsHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

// General route handlers and convenience functions

// WelcomeHandler identifies the server.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Warchest depot server version %s\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three
// parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// writeJSON sends val as a JSON response body.
func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

// logWrapper takes a handler and returns a handler which does the same
// thing, after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
