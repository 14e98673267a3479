package network

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	ErrInvalidIdentifier = errors.New("invalid network identifier")
	ErrUnknownNetwork    = errors.New("unknown network")
	ErrUnknownRegion     = errors.New("unknown region")
)

// IdentifierPattern is the syntactic shape of a network identifier.
var IdentifierPattern = regexp.MustCompile(`^\d{3}-\d{2,3}$`)

// Tables holds the lookups a Resolver is built from.
type Tables struct {
	// Networks maps an identifier to its network name, e.g. "234-15" -> "vodafone".
	Networks map[string]string
	// Regions maps an MCC prefix to its region code, e.g. "234" -> "gb".
	Regions map[string]string
	// Versions maps an identifier to its pinned data version.
	Versions map[string]string
}

// DefaultNetworks is the reference network table.
func DefaultNetworks() map[string]string {
	return map[string]string{
		"234-10": "o2",
		"234-15": "vodafone",
		"234-20": "three",
		"234-30": "ee",
	}
}

// DefaultRegions is the reference region table.
func DefaultRegions() map[string]string {
	return map[string]string{
		"234": "gb",
	}
}

// Resolver answers identifier lookups. It copies its tables on construction
// and never mutates them, so it is safe for concurrent use.
type Resolver struct {
	networks map[string]string
	regions  map[string]string
	versions map[string]string
	known    []interface{}
}

func NewResolver(t Tables) *Resolver {
	r := &Resolver{
		networks: clone(t.Networks),
		regions:  clone(t.Regions),
		versions: clone(t.Versions),
	}

	r.known = make([]interface{}, 0, len(r.versions))
	for id := range r.versions {
		r.known = append(r.known, id)
	}

	return r
}

// IsValidIdentifier reports whether label has the identifier shape and is a key
// of the version table. Neither condition is sufficient on its own.
func (r *Resolver) IsValidIdentifier(label string) bool {
	return r.Validate(label) == nil
}

// Validate is IsValidIdentifier with the reason attached.
func (r *Resolver) Validate(label string) error {
	err := validation.Validate(label,
		validation.Required,
		validation.Match(IdentifierPattern),
		validation.In(r.known...),
	)
	if err != nil {
		return errors.Join(ErrInvalidIdentifier, err)
	}

	return nil
}

// NetworkName returns the network name for identifier.
func (r *Resolver) NetworkName(identifier string) (string, bool) {
	name, ok := r.networks[identifier]
	return name, ok && name != ""
}

// RegionCode returns the region code for the MCC prefix of identifier.
func (r *Resolver) RegionCode(identifier string) (string, bool) {
	mcc, _, found := strings.Cut(identifier, "-")
	if !found {
		return "", false
	}

	code, ok := r.regions[mcc]
	return code, ok && code != ""
}

// Version returns the pinned version for identifier.
func (r *Resolver) Version(identifier string) (string, bool) {
	v, ok := r.versions[identifier]
	return v, ok
}

// Identity is a fully resolved network identifier.
type Identity struct {
	Identifier string
	Network    string
	Region     string
}

// Resolve runs every validation stage and returns the first failure.
func (r *Resolver) Resolve(label string) (Identity, error) {
	if err := r.Validate(label); err != nil {
		return Identity{}, err
	}

	name, ok := r.NetworkName(label)
	if !ok {
		return Identity{}, ErrUnknownNetwork
	}

	region, ok := r.RegionCode(label)
	if !ok {
		return Identity{}, ErrUnknownRegion
	}

	return Identity{Identifier: label, Network: name, Region: region}, nil
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
