// Package validate checks manifests and installed content against each
// other. Structural validation looks at a manifest alone; file validation
// compares an installed directory tree with the manifest that produced it.
package validate

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/util"
)

// Severity says how bad an issue is. Content with only warning issues is
// still considered valid.
type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	if s == Warning {
		return "warning"
	}
	return "error"
}

// Kind classifies an issue.
type Kind string

const (
	MissingFile      Kind = "missing-file"
	CorruptedFile    Kind = "corrupted-file"
	UnexpectedFile   Kind = "unexpected-file"
	AddonDetected    Kind = "addon-detected"
	DirectoryMissing Kind = "directory-missing"
	DuplicatePath    Kind = "duplicate-path"
	PathTraversal    Kind = "path-traversal"
	EmptyManifest    Kind = "empty-manifest"
)

// An Issue is one finding about a manifest or an installed tree.
type Issue struct {
	Kind     Kind
	Severity Severity
	Path     string
	Detail   string
}

// A Result collects the issues found when validating one manifest.
type Result struct {
	ID     manifest.ID
	Issues []Issue
}

// IsValid reports whether the result contains no error-severity issues.
// Warnings, such as unexpected files or detected addons, do not make
// content invalid.
func (r Result) IsValid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == Error {
			return false
		}
	}
	return true
}

func (r *Result) add(k Kind, s Severity, path, detail string) {
	r.Issues = append(r.Issues, Issue{Kind: k, Severity: s, Path: path, Detail: detail})
}

// A Validator checks content. The zero value works; KnownAddons lets a
// deployment teach it which foreign files are addons rather than damage.
type Validator struct {
	// KnownAddons are glob patterns, matched against the base name of
	// unexpected files. A match downgrades the finding from an unexpected
	// file to a detected addon. Patterns follow path.Match syntax.
	KnownAddons []string

	// SkipHashes makes file validation compare sizes only. Useful when a
	// quick scan is wanted over a slow disk.
	SkipHashes bool
}

// ValidateManifest checks a manifest document by itself: it must list at
// least one file, every file path must be clean and unique, and
// content-addressed entries must carry a well formed hash.
func (v *Validator) ValidateManifest(m *manifest.Manifest) Result {
	r := Result{ID: m.ID}
	if len(m.Files) == 0 {
		r.add(EmptyManifest, Error, "", "manifest lists no files")
	}
	seen := make(map[string]bool)
	for _, f := range m.Files {
		clean, err := manifest.CleanPath(f.Path)
		if err != nil || clean != f.Path {
			r.add(PathTraversal, Error, f.Path, "path is not clean and relative")
			continue
		}
		if seen[f.Path] {
			r.add(DuplicatePath, Error, f.Path, "path appears more than once")
			continue
		}
		seen[f.Path] = true
		if f.Source == manifest.SourceContentAddressable && len(f.Hash) != 64 {
			r.add(CorruptedFile, Error, f.Path, "content-addressed entry without a hash")
		}
	}
	for _, d := range m.Directories {
		if clean, err := manifest.CleanPath(d); err != nil || clean != d {
			r.add(PathTraversal, Error, d, "directory path is not clean and relative")
		}
	}
	return r
}

// ValidateFiles compares the tree under root with the manifest. Missing
// and corrupted files are errors. Files present on disk but absent from
// the manifest are warnings, downgraded further to addon findings when
// they match a known addon pattern.
func (v *Validator) ValidateFiles(ctx context.Context, m *manifest.Manifest, root string) (Result, error) {
	r := Result{ID: m.ID}
	expected := make(map[string]*manifest.File, len(m.Files))
	for i := range m.Files {
		expected[m.Files[i].Path] = &m.Files[i]
	}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		full := filepath.Join(root, filepath.FromSlash(f.Path))
		info, err := os.Stat(full)
		if err != nil {
			if !f.Optional {
				r.add(MissingFile, Error, f.Path, "file is absent")
			}
			continue
		}
		if info.Size() != f.Size {
			r.add(CorruptedFile, Error, f.Path, "size differs from manifest")
			continue
		}
		if v.SkipHashes || f.Hash == "" {
			continue
		}
		fh, err := os.Open(full)
		if err != nil {
			return r, err
		}
		got, _, err := util.HashFileSHA256(fh)
		fh.Close()
		if err != nil {
			return r, err
		}
		if got != f.Hash {
			r.add(CorruptedFile, Error, f.Path, "content differs from manifest")
		}
	}

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if expected[rel] != nil {
			return nil
		}
		if v.isKnownAddon(rel) {
			r.add(AddonDetected, Warning, rel, "matches a known addon pattern")
		} else {
			r.add(UnexpectedFile, Warning, rel, "not listed in the manifest")
		}
		return nil
	})
	if err != nil {
		return r, err
	}

	dr := v.ValidateDirectories(m, root)
	r.Issues = append(r.Issues, dr.Issues...)
	return r, nil
}

// ValidateDirectories checks that every directory the manifest requires
// exists under root. Required directories may be empty, so the file
// checks alone never see them.
func (v *Validator) ValidateDirectories(m *manifest.Manifest, root string) Result {
	var r Result
	for _, d := range m.Directories {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(d)))
		if err != nil || !info.IsDir() {
			r.add(DirectoryMissing, Error, d, "required directory is absent")
		}
	}
	return r
}

func (v *Validator) isKnownAddon(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range v.KnownAddons {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(base)); ok {
			return true
		}
	}
	return false
}
