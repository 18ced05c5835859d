package acquire

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/pool"
	"github.com/warchest/warchest/validate"
)

// A ValidationError means delivered content failed validation and was not
// registered. The result lists what was wrong with it.
type ValidationError struct {
	Result validate.Result
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("content %s failed validation with %d issues",
		e.Result.ID, len(e.Result.Issues))
}

// An Orchestrator runs acquisitions: it picks a deliverer for a result,
// stages the content in a scratch directory, validates it, and registers
// it in the pool. Either the whole acquisition lands or none of it does;
// a failure at any phase leaves the depot unchanged.
type Orchestrator struct {
	Pool       *pool.Pool
	Deliverers *Registry

	// Resolvers, if set, refine results before delivery.
	Resolvers *ResolverSet

	// Validator checks staged content. Nil means a default validator.
	Validator *validate.Validator

	// Observer, if set, receives progress reports.
	Observer Observer

	// ScratchDir is where staging directories are created. Empty means
	// the system temp directory. Keep it on the same filesystem as the
	// depot so staged files move by rename.
	ScratchDir string
}

// Acquire runs one full acquisition of the given result. It returns the
// registered manifest. A panic anywhere in a deliverer is converted into
// an error, so a misbehaving deliverer fails one acquisition instead of
// the process.
func (o *Orchestrator) Acquire(ctx context.Context, r SearchResult) (m *manifest.Manifest, err error) {
	lastPercent := 0
	report := func(p Phase, frac float64, detail string) {
		if p != PhaseFailed {
			lastPercent = percent(p, frac)
		}
		if o.Observer != nil {
			o.Observer(Progress{ID: r.ID, Phase: p, Percent: lastPercent, Detail: detail})
		}
	}
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("acquisition of %s panicked: %v", r.ID, p)
			raven.CaptureError(err, map[string]string{"id": r.ID.String()})
		}
		if err != nil {
			report(PhaseFailed, 0, err.Error())
		}
	}()

	if o.Resolvers != nil {
		r, err = o.Resolvers.Resolve(ctx, r)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", r.ID)
		}
	}

	d := o.Deliverers.For(r)
	if d == nil {
		return nil, ErrNoDeliverer
	}
	if !d.Precheck(r) {
		return nil, errors.Errorf("result %s failed %s deliverer precheck", r.ID, d.Name())
	}
	v := o.Validator
	if v == nil {
		v = &validate.Validator{}
	}

	work, err := ioutil.TempDir(o.ScratchDir, "acquire-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	log.Println("acquire:", r.ID, "via", d.Name())
	staged, err := d.Deliver(ctx, r, work, func(p Phase, frac float64) {
		report(p, frac, "")
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(PhaseValidatingManifest, 0, "")
	if mr := v.ValidateManifest(staged); !mr.IsValid() {
		return nil, ValidationError{Result: mr}
	}
	report(PhaseValidatingManifest, 1, "")

	report(PhaseValidatingFiles, 0, "")
	fr, err := v.ValidateFiles(ctx, staged, work)
	if err != nil {
		return nil, err
	}
	if !fr.IsValid() {
		return nil, ValidationError{Result: fr}
	}
	for _, issue := range fr.Issues {
		log.Println("acquire:", r.ID, issue.Severity, issue.Kind, issue.Path)
	}
	report(PhaseValidatingFiles, 1, "")

	report(PhaseDelivering, 0, "")
	rec, err := o.Pool.AddManifest(ctx, staged, work)
	if err != nil {
		return nil, err
	}
	report(PhaseCompleted, 1, "")
	log.Println("acquire:", r.ID, "registered with", len(rec.Files), "files")
	return rec, nil
}
