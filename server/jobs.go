package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/warchest/warchest/acquire"
	"github.com/warchest/warchest/manifest"
)

// A Job is one acquisition started through the API. Jobs are kept in
// memory; a restart forgets finished jobs, which is fine because their
// outcome is visible in the manifest list.
type Job struct {
	ID       string               `json:"id"`
	Result   acquire.SearchResult `json:"result"`
	Phase    string               `json:"phase"`
	Percent  int                  `json:"percent"`
	Error    string               `json:"error,omitempty"`
	Manifest *manifest.Manifest   `json:"manifest,omitempty"`
	Started  time.Time            `json:"started"`
	Finished time.Time            `json:"finished,omitempty"`
}

type jobSet struct {
	m    sync.Mutex
	jobs map[string]*Job
	next int
}

func newJobSet() *jobSet {
	return &jobSet{jobs: make(map[string]*Job)}
}

func (js *jobSet) create(r acquire.SearchResult) *Job {
	js.m.Lock()
	defer js.m.Unlock()
	js.next++
	j := &Job{
		ID:      fmt.Sprintf("job-%d", js.next),
		Result:  r,
		Phase:   acquire.PhasePending.String(),
		Started: time.Now().UTC(),
	}
	js.jobs[j.ID] = j
	return j
}

func (js *jobSet) get(id string) *Job {
	js.m.Lock()
	defer js.m.Unlock()
	return js.jobs[id]
}

// all returns copies of every job. Jobs keep changing as their
// acquisitions run, so sharing the live records with a JSON encoder
// would race with the observer updates.
func (js *jobSet) all() []Job {
	js.m.Lock()
	defer js.m.Unlock()
	result := make([]Job, 0, len(js.jobs))
	for _, j := range js.jobs {
		result = append(result, *j)
	}
	return result
}

// StartAcquisitionHandler handles POST /acquisitions. The body is a JSON
// search result, usually passed back verbatim from GET /search. The
// acquisition runs in the background; the response carries the job id to
// poll.
func (s *RESTServer) StartAcquisitionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Orchestrator == nil {
		w.WriteHeader(501)
		fmt.Fprintln(w, "this server does not acquire content")
		return
	}
	var result acquire.SearchResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	if result.ID.IsZero() || result.URL == "" {
		w.WriteHeader(400)
		fmt.Fprintln(w, "result needs an id and a url")
		return
	}
	xAcquireStarted.Add(1)
	job := s.jobs.create(result)
	go s.runAcquisition(job)
	w.WriteHeader(202)
	writeJSON(w, job)
}

// runAcquisition drives one background acquisition, mirroring its
// progress into the job record.
func (s *RESTServer) runAcquisition(job *Job) {
	o := *s.Orchestrator
	o.Observer = func(p acquire.Progress) {
		s.jobs.m.Lock()
		job.Phase = p.Phase.String()
		job.Percent = p.Percent
		s.jobs.m.Unlock()
	}
	m, err := o.Acquire(context.Background(), job.Result)
	s.jobs.m.Lock()
	job.Finished = time.Now().UTC()
	if err != nil {
		job.Error = err.Error()
	} else {
		job.Manifest = m
	}
	s.jobs.m.Unlock()
}

// AcquisitionHandler handles GET /acquisitions/:jobid
func (s *RESTServer) AcquisitionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job := s.jobs.get(ps.ByName("jobid"))
	if job == nil {
		w.WriteHeader(404)
		return
	}
	s.jobs.m.Lock()
	snapshot := *job
	s.jobs.m.Unlock()
	writeJSON(w, &snapshot)
}

// ListAcquisitionsHandler handles GET /acquisitions
func (s *RESTServer) ListAcquisitionsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, s.jobs.all())
}
