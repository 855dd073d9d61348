package refs

import (
	"strconv"
	"strings"
	"unicode"

	"geoledger/internal/domain"
)

const (
	// Head is the only spelling of the current head. Matching is case sensitive.
	Head = "HEAD"

	maxQualifiers = 8
	maxNameLength = 255
)

type Kind int

const (
	KindHead Kind = iota
	KindVersion
	KindName
)

// Ref is a parsed version reference: zero or more lineage qualifiers followed by a terminal
// component. "B1:tag-a" qualifies the tag lookup with branch B1.
type Ref struct {
	Qualifiers []string
	Kind       Kind
	Version    int64
	Name       string
}

func (r Ref) String() string {
	var last string
	switch r.Kind {
	case KindHead:
		last = Head
	case KindVersion:
		last = strconv.FormatInt(r.Version, 10)
	default:
		last = r.Name
	}
	if len(r.Qualifiers) == 0 {
		return last
	}
	return strings.Join(r.Qualifiers, ":") + ":" + last
}

// Parse splits s into qualifiers and the terminal component. It only rejects syntax; whether
// a name exists is decided by the Resolver.
func Parse(s string) (Ref, error) {
	if s == "" {
		return Ref{}, domain.Invalidf("parse ref", "empty ref")
	}
	parts := strings.Split(s, ":")
	if len(parts) > maxQualifiers+1 {
		return Ref{}, domain.Invalidf("parse ref", "ref %q is nested too deeply", s)
	}
	for _, p := range parts {
		if p == "" {
			return Ref{}, domain.Invalidf("parse ref", "ref %q has an empty component", s)
		}
	}
	ref := Ref{Qualifiers: parts[:len(parts)-1]}
	if len(ref.Qualifiers) == 0 {
		ref.Qualifiers = nil
	}
	last := parts[len(parts)-1]
	switch {
	case last == Head:
		ref.Kind = KindHead
	case isDigits(last):
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			return Ref{}, domain.Invalidf("parse ref", "version %q is out of range", last)
		}
		ref.Kind = KindVersion
		ref.Version = n
	default:
		ref.Kind = KindName
		ref.Name = last
	}
	return ref, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ValidateName checks a branch or tag id. Names must stay unambiguous against every other ref
// form, so reserved words, numbers and the qualifier separator are refused.
func ValidateName(kind, id string) error {
	op := "validate " + kind
	switch {
	case id == "":
		return domain.Invalidf(op, "%s id must not be empty", kind)
	case len(id) > maxNameLength:
		return domain.Invalidf(op, "%s id is longer than %d bytes", kind, maxNameLength)
	case id == Head || id == domain.MainBranch:
		return domain.Invalidf(op, "%q is reserved", id)
	case isDigits(id):
		return domain.Invalidf(op, "%s id %q must not be numeric", kind, id)
	case strings.ContainsRune(id, ':'):
		return domain.Invalidf(op, "%s id %q must not contain ':'", kind, id)
	case id[0] == '!' || id[0] == '~':
		return domain.Invalidf(op, "%s id %q must not start with %q", kind, id, id[0])
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return domain.Invalidf(op, "%s id %q contains whitespace", kind, id)
		}
	}
	return nil
}
