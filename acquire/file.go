package acquire

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/util"
)

// A FileDeliverer fetches content published as a single bare file, such
// as a standalone map or a config overlay. The file is staged under its
// URL base name.
type FileDeliverer struct {
	Client *http.Client
}

func (fd *FileDeliverer) Name() string { return "file" }

func (fd *FileDeliverer) CanDeliver(r SearchResult) bool {
	return r.URL != "" && archiveKind(r) == ""
}

// Precheck rejects results whose URL cannot yield a usable file name.
func (fd *FileDeliverer) Precheck(r SearchResult) bool {
	u, err := url.Parse(r.URL)
	if err != nil {
		return false
	}
	_, err = manifest.CleanPath(path.Base(u.Path))
	return err == nil
}

func (fd *FileDeliverer) Deliver(ctx context.Context, r SearchResult, workDir string, report func(Phase, float64)) (*manifest.Manifest, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "bad url %q", r.URL)
	}
	name, err := manifest.CleanPath(path.Base(u.Path))
	if err != nil {
		return nil, errors.Wrapf(err, "unusable file name in %q", r.URL)
	}

	report(PhaseDownloading, 0)
	tmp := filepath.Join(workDir, ".download")
	if err := download(ctx, fd.Client, r, tmp, report); err != nil {
		return nil, err
	}

	report(PhaseExtracting, 1) // nothing to unpack
	report(PhaseCopying, 0)
	f, err := os.Open(tmp)
	if err != nil {
		return nil, err
	}
	hash, size, err := util.HashFileSHA256(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, filepath.Join(workDir, name)); err != nil {
		return nil, errors.Wrapf(err, "stage %s", name)
	}
	report(PhaseCopying, 1)

	return buildManifest(r, []manifest.File{{
		Path:   name,
		Size:   size,
		Hash:   hash,
		Source: manifest.SourceDownload,
	}})
}
