package acquire

import (
	"archive/tar"
	"archive/zip"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/mholt/archiver"
	"github.com/pkg/errors"

	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/util"
)

// An ArchiveDeliverer fetches content packaged as a zip or tar archive.
// Every entry is hashed while it is extracted, so the staged tree comes
// out with a complete file inventory and no second pass over the data.
//
// Archive entries with unclean paths are fatal: an archive trying to
// write outside its root is hostile, not merely damaged.
type ArchiveDeliverer struct {
	// Client is used for downloads. Nil means http.DefaultClient.
	Client *http.Client
}

func (ad *ArchiveDeliverer) Name() string { return "archive" }

func (ad *ArchiveDeliverer) CanDeliver(r SearchResult) bool {
	return r.URL != "" && archiveKind(r) != ""
}

// Precheck rejects results we could claim but not unpack, such as an
// explicit format hint we have no extractor for.
func (ad *ArchiveDeliverer) Precheck(r SearchResult) bool {
	if _, err := url.ParseRequestURI(r.URL); err != nil {
		return false
	}
	switch archiveKind(r) {
	case "zip", "tar.gz", "tar":
		return true
	}
	return false
}

func (ad *ArchiveDeliverer) Deliver(ctx context.Context, r SearchResult, workDir string, report func(Phase, float64)) (*manifest.Manifest, error) {
	report(PhaseDownloading, 0)
	archivePath := filepath.Join(workDir, ".download")
	if err := download(ctx, ad.Client, r, archivePath, report); err != nil {
		return nil, err
	}

	report(PhaseExtracting, 0)
	unpack := filepath.Join(workDir, ".unpack")
	if err := os.MkdirAll(unpack, 0775); err != nil {
		return nil, err
	}
	var files []manifest.File
	var err error
	switch archiveKind(r) {
	case "zip":
		files, err = extractZip(ctx, archivePath, unpack, report)
	case "tar.gz":
		files, err = extractTar(ctx, archiver.NewTarGz(), archivePath, unpack, report)
	default:
		files, err = extractTar(ctx, archiver.NewTar(), archivePath, unpack, report)
	}
	if err != nil {
		return nil, err
	}
	os.Remove(archivePath)

	report(PhaseCopying, 0)
	for i := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := filepath.FromSlash(files[i].Path)
		dest := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
			return nil, err
		}
		if err := os.Rename(filepath.Join(unpack, rel), dest); err != nil {
			return nil, errors.Wrapf(err, "stage %s", files[i].Path)
		}
		report(PhaseCopying, float64(i+1)/float64(len(files)))
	}
	os.RemoveAll(unpack)

	return buildManifest(r, files)
}

// buildManifest assembles the staged inventory into a manifest carrying
// the result's identity.
func buildManifest(r SearchResult, files []manifest.File) (*manifest.Manifest, error) {
	name := r.DisplayName
	if name == "" {
		name = r.ID.Name
	}
	b := manifest.NewBuilder(r.ID, name, r.Type, r.Game).
		Publisher(r.Publisher).
		Description(r.Description)
	for _, f := range files {
		b.AddFile(f)
	}
	return b.Build()
}

// download fetches the result's URL to destPath, reporting download
// progress when the size is known.
func download(ctx context.Context, client *http.Client, r SearchResult, destPath string, report func(Phase, float64)) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, "GET", r.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", r.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: %s", r.URL, resp.Status)
	}
	total := resp.ContentLength
	if total <= 0 {
		total = r.Size
	}
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664)
	if err != nil {
		return err
	}
	src := io.Reader(resp.Body)
	if total > 0 {
		src = &progressReader{r: src, total: total, report: func(frac float64) {
			report(PhaseDownloading, frac)
		}}
	}
	var hw *util.HashWriter
	dst := io.Writer(f)
	if r.MD5 != "" {
		hw = util.NewMD5Writer(f)
		dst = hw
	}
	_, err = io.Copy(dst, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && hw != nil {
		err = checkPublishedMD5(hw, r.MD5)
	}
	if err != nil {
		os.Remove(destPath)
		return errors.Wrapf(err, "download %s", r.URL)
	}
	return nil
}

// checkPublishedMD5 compares a finished download against the checksum the
// source published for it.
func checkPublishedMD5(hw *util.HashWriter, goal string) error {
	want, err := hex.DecodeString(goal)
	if err != nil {
		return errors.Errorf("bad published checksum %q", goal)
	}
	if got, ok := hw.CheckMD5(want); !ok {
		return errors.Errorf("checksum mismatch: got %s, source published %s",
			hex.EncodeToString(got), goal)
	}
	return nil
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	report func(float64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.read += int64(n)
	if n > 0 {
		pr.report(float64(pr.read) / float64(pr.total))
	}
	return n, err
}

// entrySet tracks extracted paths, rejecting duplicates and unclean
// names. Two archive entries landing on one path would make the staged
// tree depend on extraction order, so that archive is refused.
type entrySet struct {
	seen map[string]bool
}

func (es *entrySet) add(name string) (string, error) {
	clean, err := manifest.CleanPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "archive entry %q", name)
	}
	if es.seen == nil {
		es.seen = make(map[string]bool)
	}
	if es.seen[clean] {
		return "", errors.Errorf("archive entry %q appears more than once", clean)
	}
	es.seen[clean] = true
	return clean, nil
}

func extractZip(ctx context.Context, archivePath, destDir string, report func(Phase, float64)) ([]manifest.File, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	defer zr.Close()

	var es entrySet
	var files []manifest.File
	for i, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.FileInfo().IsDir() {
			continue
		}
		clean, err := es.add(entry.Name)
		if err != nil {
			return nil, err
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "read entry %q", entry.Name)
		}
		f, err := writeEntry(destDir, clean, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		f.Executable = entry.Mode()&0111 != 0
		files = append(files, f)
		report(PhaseExtracting, float64(i+1)/float64(len(zr.File)))
	}
	return files, nil
}

// extractTar unpacks a tar-family archive with the given walker. The
// walker carries the compression choice; the staged download's name says
// nothing about its format.
func extractTar(ctx context.Context, w archiver.Walker, archivePath, destDir string, report func(Phase, float64)) ([]manifest.File, error) {
	var es entrySet
	var files []manifest.File
	err := w.Walk(archivePath, func(entry archiver.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, ok := entry.Header.(*tar.Header)
		if !ok || entry.IsDir() {
			return nil
		}
		if hdr.Typeflag != tar.TypeReg {
			// links and devices have no place in game content
			return nil
		}
		clean, err := es.add(hdr.Name)
		if err != nil {
			return err
		}
		f, err := writeEntry(destDir, clean, entry)
		if err != nil {
			return err
		}
		f.Executable = entry.Mode()&0111 != 0
		files = append(files, f)
		report(PhaseExtracting, 0)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "extract archive")
	}
	report(PhaseExtracting, 1)
	return files, nil
}

// writeEntry streams one archive entry to disk under destDir, hashing it
// on the way.
func writeEntry(destDir, clean string, src io.Reader) (manifest.File, error) {
	dest := filepath.Join(destDir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
		return manifest.File{}, err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664)
	if err != nil {
		return manifest.File{}, err
	}
	hw := util.NewHashWriter(out)
	n, err := io.Copy(hw, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return manifest.File{}, errors.Wrapf(err, "extract %s", clean)
	}
	return manifest.File{
		Path:   clean,
		Size:   n,
		Hash:   hw.SumSHA256Hex(),
		Source: manifest.SourcePackage,
	}, nil
}
