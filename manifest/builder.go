package manifest

import (
	"errors"
	"fmt"
	"time"
)

// A Builder assembles a Manifest in stages. Deliverers fill in what they
// know as they learn it: identity first, then files as they are extracted,
// then dependencies. Build freezes the result; the builder cannot be used
// again afterwards.
type Builder struct {
	m     Manifest
	built bool
	err   error
}

var (
	// ErrBuilderSpent means Build was already called on this builder.
	ErrBuilderSpent = errors.New("builder already produced a manifest")
)

// NewBuilder starts a manifest for the given identity.
func NewBuilder(id ID, displayName string, ctype ContentType, game string) *Builder {
	return &Builder{m: Manifest{
		ID:          id,
		DisplayName: displayName,
		Type:        ctype,
		Game:        game,
		Version:     id.Version,
	}}
}

// setErr records the first error seen. Later calls keep the original.
func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Publisher sets the publisher record.
func (b *Builder) Publisher(p Publisher) *Builder {
	b.m.Publisher = p
	return b
}

// Description sets the long description.
func (b *Builder) Description(s string) *Builder {
	b.m.Description = s
	return b
}

// Strategy sets the workspace materialization strategy.
func (b *Builder) Strategy(s WorkspaceStrategy) *Builder {
	b.m.Strategy = s
	return b
}

// ExclusiveCategory marks this content as a member of an exclusive group.
func (b *Builder) ExclusiveCategory(c string) *Builder {
	b.m.ExclusiveCategory = c
	return b
}

// Released records the publish date of the content.
func (b *Builder) Released(t time.Time) *Builder {
	b.m.Released = t
	return b
}

// Tags sets the search tags.
func (b *Builder) Tags(tags ...string) *Builder {
	b.m.Tags = tags
	return b
}

// AddFile appends one file entry. The path is cleaned and checked against
// traversal; a duplicate path is an error. Errors are deferred to Build.
func (b *Builder) AddFile(f File) *Builder {
	clean, err := CleanPath(f.Path)
	if err != nil {
		b.setErr(fmt.Errorf("file %q: %w", f.Path, err))
		return b
	}
	f.Path = clean
	for i := range b.m.Files {
		if b.m.Files[i].Path == clean {
			b.setErr(fmt.Errorf("duplicate file path %q", clean))
			return b
		}
	}
	b.m.Files = append(b.m.Files, f)
	return b
}

// AddDependency appends one dependency declaration.
func (b *Builder) AddDependency(d Dependency) *Builder {
	b.m.Dependencies = append(b.m.Dependencies, d)
	return b
}

// AddDirectory records a directory that must exist after install.
func (b *Builder) AddDirectory(dir string) *Builder {
	clean, err := CleanPath(dir)
	if err != nil {
		b.setErr(fmt.Errorf("directory %q: %w", dir, err))
		return b
	}
	for _, d := range b.m.Directories {
		if d == clean {
			return b
		}
	}
	b.m.Directories = append(b.m.Directories, clean)
	return b
}

// Build validates and returns the finished manifest. The builder is spent
// afterwards; calling Build again returns ErrBuilderSpent.
func (b *Builder) Build() (*Manifest, error) {
	if b.built {
		return nil, ErrBuilderSpent
	}
	b.built = true
	if b.err != nil {
		return nil, b.err
	}
	if b.m.ID.IsZero() {
		return nil, errors.New("manifest has no identifier")
	}
	if b.m.DisplayName == "" {
		return nil, errors.New("manifest has no display name")
	}
	if b.m.Type == "" {
		return nil, errors.New("manifest has no content type")
	}
	result := b.m
	result.Created = time.Now().UTC()
	return &result, nil
}
