// Package depend resolves relationships between content. Dependencies are
// matched semantically against what is installed, and conflicts are found
// between content that cannot be enabled at the same time.
package depend

import (
	"fmt"

	"github.com/warchest/warchest/manifest"
)

// Satisfied returns the installed manifest satisfying dependency d, if
// there is one. When several candidates qualify the one with the highest
// version wins.
func Satisfied(d manifest.Dependency, installed []*manifest.Manifest) (*manifest.Manifest, bool) {
	var best *manifest.Manifest
	for _, c := range installed {
		if !d.SatisfiedBy(c) {
			continue
		}
		if best == nil || manifest.CompareVersions(c.Version, best.Version) > 0 {
			best = c
		}
	}
	return best, best != nil
}

// Missing returns the dependencies of m that no installed manifest
// satisfies. Optional dependencies are never reported.
func Missing(m *manifest.Manifest, installed []*manifest.Manifest) []manifest.Dependency {
	var missing []manifest.Dependency
	for _, d := range m.Dependencies {
		if d.Optional {
			continue
		}
		if _, ok := Satisfied(d, installed); !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

// A Conflict describes enabled content that cannot stay enabled alongside
// the content being considered.
type Conflict struct {
	ID   manifest.ID
	Name string
	Type manifest.ContentType

	// Message is a human readable explanation suitable for display.
	Message string

	// CanAutoResolve is true when disabling the conflicting content is a
	// safe automatic fix.
	CanAutoResolve bool
}

// FindConflicts returns the members of enabled that conflict with
// enabling m. Two rules apply: at most one game client may be enabled per
// game, and at most one member of an exclusive category may be enabled
// per game. Both kinds resolve automatically by disabling the previously
// enabled content.
func FindConflicts(m *manifest.Manifest, enabled []*manifest.Manifest) []Conflict {
	var conflicts []Conflict
	for _, e := range enabled {
		if e.ID.Equal(m.ID) || e.Game != m.Game {
			continue
		}
		switch {
		case m.Type == manifest.TypeGameClient && e.Type == manifest.TypeGameClient:
			conflicts = append(conflicts, Conflict{
				ID:   e.ID,
				Name: e.DisplayName,
				Type: e.Type,
				Message: fmt.Sprintf(
					"only one game client can be active for %s; %s is currently enabled",
					m.Game, e.DisplayName),
				CanAutoResolve: true,
			})
		case m.ExclusiveCategory != "" && e.ExclusiveCategory == m.ExclusiveCategory:
			conflicts = append(conflicts, Conflict{
				ID:   e.ID,
				Name: e.DisplayName,
				Type: e.Type,
				Message: fmt.Sprintf(
					"%s and %s both belong to the exclusive group %q",
					m.DisplayName, e.DisplayName, m.ExclusiveCategory),
				CanAutoResolve: true,
			})
		}
	}
	return conflicts
}

// Plan orders the missing dependencies of m for acquisition: dependencies
// flagged for automatic install come first, then those needing a prompt.
// Dependencies requiring existing content are returned separately since
// nothing can be acquired for them.
func Plan(m *manifest.Manifest, installed []*manifest.Manifest) (acquire, ask, blocked []manifest.Dependency) {
	for _, d := range Missing(m, installed) {
		switch d.Install {
		case manifest.InstallAuto:
			acquire = append(acquire, d)
		case manifest.InstallSuggest:
			ask = append(ask, d)
		default:
			blocked = append(blocked, d)
		}
	}
	return acquire, ask, blocked
}
