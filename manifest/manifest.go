// Package manifest defines the content manifest model: the identifier
// scheme, the manifest document describing a unit of installable game
// content, and the builder used to assemble manifests in stages.
//
// A manifest lists every file the content consists of, where each file
// comes from, which other content it depends on, and how it should be
// materialized into a game workspace. Manifests are immutable once built;
// updating content means writing a whole new manifest under the same ID.
package manifest

import (
	"errors"
	"path"
	"strings"
	"time"
)

// ContentType classifies a unit of content.
type ContentType string

const (
	TypeGame       ContentType = "game"       // a base game installation
	TypeGameClient ContentType = "gameclient" // an executable client/engine build
	TypePatch      ContentType = "patch"
	TypeAddon      ContentType = "addon"
	TypeMod        ContentType = "mod"
	TypeMapPack    ContentType = "mappack"
	TypeConfig     ContentType = "config"
)

// SourceType says where a file's bytes come from.
type SourceType string

const (
	// SourceDownload means the file is fetched from Download URL.
	SourceDownload SourceType = "download"
	// SourcePackage means the file is extracted from a downloaded archive.
	SourcePackage SourceType = "package"
	// SourceContentAddressable means the file is resolved from shared
	// storage by its hash.
	SourceContentAddressable SourceType = "cas"
	// SourceLink means the file belongs to other content and is linked in.
	SourceLink SourceType = "link"
)

// InstallBehavior controls how a missing dependency is handled.
type InstallBehavior string

const (
	// InstallRequireExisting means the dependency must already be present.
	InstallRequireExisting InstallBehavior = "require-existing"
	// InstallAuto means the dependency is acquired automatically.
	InstallAuto InstallBehavior = "auto"
	// InstallSuggest means the user is prompted before acquiring.
	InstallSuggest InstallBehavior = "suggest"
)

// WorkspaceStrategy selects how content files are materialized into a
// game workspace.
type WorkspaceStrategy string

const (
	StrategyDefault       WorkspaceStrategy = ""
	StrategySymlinkOnly   WorkspaceStrategy = "symlink"
	StrategyHardCopy      WorkspaceStrategy = "copy"
	StrategyHybridSymlink WorkspaceStrategy = "hybrid"
)

// A File is one entry in a manifest's file list.
type File struct {
	// Path is the install location relative to the content root. It uses
	// forward slashes on every platform.
	Path string `json:"path"`

	// Size is the file length in bytes.
	Size int64 `json:"size"`

	// Hash is the lowercase hex SHA-256 of the file contents. It doubles
	// as the content-addressable storage key.
	Hash string `json:"hash,omitempty"`

	// Source says where the bytes come from during acquisition.
	Source SourceType `json:"source"`

	// DownloadURL is set for SourceDownload files.
	DownloadURL string `json:"downloadUrl,omitempty"`

	// Executable marks files needing the execute bit on unix systems.
	Executable bool `json:"executable,omitempty"`

	// Optional files do not fail validation when absent.
	Optional bool `json:"optional,omitempty"`
}

// A Dependency declares that this content needs other content present.
// Matching is semantic: any installed manifest with a compatible type,
// game, and version satisfies it, regardless of publisher, unless
// StrictPublisher is set.
type Dependency struct {
	// RefID is the identifier of a known-good provider, kept for display
	// and for auto-install. It is a hint, not a constraint.
	RefID string `json:"refId,omitempty"`

	// Type is the content type a provider must have.
	Type ContentType `json:"type"`

	// MinVersion is the lowest acceptable provider version. Empty means
	// any version.
	MinVersion string `json:"minVersion,omitempty"`

	// GameTypes lists the games a provider may target. Empty means any.
	GameTypes []string `json:"gameTypes,omitempty"`

	// Install controls what happens when no provider is installed.
	Install InstallBehavior `json:"install,omitempty"`

	// Optional dependencies never block installation.
	Optional bool `json:"optional,omitempty"`

	// StrictPublisher additionally requires the provider's publisher to
	// match RefID's publisher segment.
	StrictPublisher bool `json:"strictPublisher,omitempty"`
}

// Publisher describes who released the content.
type Publisher struct {
	Name    string `json:"name"`
	Tag     string `json:"tag"`
	Website string `json:"website,omitempty"`
}

// A Manifest describes one installable unit of game content.
type Manifest struct {
	ID          ID          `json:"id"`
	DisplayName string      `json:"displayName"`
	Description string      `json:"description,omitempty"`
	Type        ContentType `json:"type"`

	// Game is the game type this content targets, e.g. "generals".
	Game string `json:"game"`

	Publisher Publisher `json:"publisher"`

	// Version is the content version, duplicated from the ID for
	// convenient display and comparison.
	Version string `json:"version"`

	Files        []File       `json:"files"`
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// Directories lists directories that must exist after install even
	// when empty, e.g. "Replays".
	Directories []string `json:"directories,omitempty"`

	Strategy WorkspaceStrategy `json:"strategy,omitempty"`

	// ExclusiveCategory names a group of which at most one member may be
	// enabled at a time, e.g. "graphics-patch". Empty means unrestricted.
	ExclusiveCategory string `json:"exclusiveCategory,omitempty"`

	Tags     []string  `json:"tags,omitempty"`
	Released time.Time `json:"released,omitempty"`

	// Created is when this manifest record was written to the pool.
	Created time.Time `json:"created,omitempty"`
}

var (
	// ErrPathTraversal means a file path escapes the content root.
	ErrPathTraversal = errors.New("file path escapes content root")
	// ErrEmptyPath means a file path is empty after cleaning.
	ErrEmptyPath = errors.New("empty file path")
)

// CleanPath normalizes a manifest-relative file path and rejects paths
// that are absolute or that escape the content root. Backslashes are
// treated as separators so archives built on windows behave.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "/") {
		return "", ErrPathTraversal
	}
	// drive letters, e.g. "C:\..."
	if len(p) >= 2 && p[1] == ':' {
		return "", ErrPathTraversal
	}
	p = path.Clean(p)
	if p == "." || p == "" {
		return "", ErrEmptyPath
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", ErrPathTraversal
	}
	return p, nil
}

// FileByPath returns the file entry with the given relative path, or nil.
func (m *Manifest) FileByPath(p string) *File {
	for i := range m.Files {
		if m.Files[i].Path == p {
			return &m.Files[i]
		}
	}
	return nil
}

// TotalSize returns the sum of all file sizes in the manifest.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for i := range m.Files {
		n += m.Files[i].Size
	}
	return n
}

// SatisfiedBy reports whether the installed manifest candidate satisfies
// dependency d. Matching is semantic: the candidate's type must equal the
// dependency type, its game must be among the allowed game types, and its
// version must be at least MinVersion. The publisher is ignored unless
// StrictPublisher is set, in which case the candidate's publisher tag must
// match the publisher segment of RefID.
func (d Dependency) SatisfiedBy(candidate *Manifest) bool {
	if candidate == nil {
		return false
	}
	if candidate.Type != d.Type {
		return false
	}
	if len(d.GameTypes) > 0 {
		ok := false
		for _, g := range d.GameTypes {
			if g == candidate.Game {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if d.MinVersion != "" &&
		CompareVersions(candidate.Version, d.MinVersion) < 0 {
		return false
	}
	if d.StrictPublisher {
		ref, err := ParseID(d.RefID)
		if err != nil || candidate.ID.Publisher != ref.Publisher {
			return false
		}
	}
	return true
}
