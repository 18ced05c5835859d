package manifest

import (
	"errors"
	"strconv"
	"strings"
)

// An ID identifies one unit of content in a depot. It is a structured,
// human readable string of five dot separated segments:
//
//	schema.version.publisher.type.name
//
// for example "1.108.steam.gameclient.generals". The schema segment is the
// identifier format version. The version segment is the content version and
// may itself contain dots, so parsing anchors on the last three segments.
//
// Two manifests with equal IDs describe the same logical content fetched at
// different times; the later one supersedes the earlier.
type ID struct {
	Schema    int    // identifier format version, currently 1
	Version   string // content version, e.g. "1.04"
	Publisher string // publisher tag, e.g. "steam", "ea"
	Type      string // content type segment, e.g. "gameclient"
	Name      string // content name, e.g. "generals"
}

// CurrentSchema is the identifier format version written by this code.
const CurrentSchema = 1

var (
	// ErrBadID means an identifier string could not be parsed.
	ErrBadID = errors.New("malformed manifest identifier")
)

// ParseID decodes an identifier string. The last three segments are the
// publisher, type, and name; everything between the schema number and those
// is the version.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 5 {
		return ID{}, ErrBadID
	}
	schema, err := strconv.Atoi(parts[0])
	if err != nil || schema <= 0 {
		return ID{}, ErrBadID
	}
	n := len(parts)
	id := ID{
		Schema:    schema,
		Version:   strings.Join(parts[1:n-3], "."),
		Publisher: parts[n-3],
		Type:      parts[n-2],
		Name:      parts[n-1],
	}
	if id.Version == "" || id.Publisher == "" || id.Type == "" || id.Name == "" {
		return ID{}, ErrBadID
	}
	return id, nil
}

// String encodes the identifier in its canonical five segment form.
func (id ID) String() string {
	return strings.Join([]string{
		strconv.Itoa(id.Schema),
		id.Version,
		id.Publisher,
		id.Type,
		id.Name,
	}, ".")
}

// IsZero reports whether the identifier is empty.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Equal reports whether two identifiers name the same logical content.
func (id ID) Equal(other ID) bool {
	return id == other
}

// MarshalText lets an ID be used directly in JSON documents.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses an ID from its string form.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SanitizeID converts an identifier to a form safe to use as a file name.
// Any character outside [a-z A-Z 0-9 . _ -] is replaced with '-'.
func SanitizeID(id ID) string {
	s := id.String()
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// CompareVersions orders two dotted version strings. It returns -1, 0, or
// +1 as a is less than, equal to, or greater than b. Numeric segments are
// compared as integers, so "1.10" sorts after "1.9". Non-numeric segments
// fall back to string comparison.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		if xerr == nil && yerr == nil {
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
			continue
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
