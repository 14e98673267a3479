package endpoint

import (
	"errors"
	"strings"

	"github.com/angeloszaimis/tile-proxy/internal/network"
	"github.com/angeloszaimis/tile-proxy/internal/uri"
)

// LatestMarker is the version segment that is rewritten to the pinned version.
const LatestMarker = "latest"

// ErrForeignHost is returned when the host is not a subdomain of the public domain.
var ErrForeignHost = errors.New("host outside public domain")

// Builder composes storage URLs of the form
// <scheme>://<host>/file/<bucket>/<region>/<network><path>.
type Builder struct {
	Scheme string
	Host   string
	Bucket string
}

// Build performs no validation; its inputs come from a network.Resolver.
func (b Builder) Build(networkName, regionCode, path string) string {
	scheme := b.Scheme
	if scheme == "" {
		scheme = "https"
	}

	var sb strings.Builder
	sb.Grow(len(scheme) + len(b.Host) + len(b.Bucket) + len(regionCode) + len(networkName) + len(path) + 12)
	sb.WriteString(scheme)
	sb.WriteString("://")
	sb.WriteString(b.Host)
	sb.WriteString("/file/")
	sb.WriteString(b.Bucket)
	sb.WriteByte('/')
	sb.WriteString(regionCode)
	sb.WriteByte('/')
	sb.WriteString(networkName)
	sb.WriteString(path)

	return sb.String()
}

// VersionLookup returns the pinned version of a network identifier.
type VersionLookup interface {
	Version(identifier string) (string, bool)
}

// RewriteLatestVersion replaces a leading "latest" segment of path with the
// version pinned for identifier. Any other path is returned unchanged, as is a
// path whose identifier has no pinned version.
func RewriteLatestVersion(path, identifier string, versions VersionLookup) string {
	segment, ok := uri.SegmentOf(path)
	if !ok || segment != LatestMarker {
		return path
	}

	version, ok := versions.Version(identifier)
	if !ok {
		return path
	}

	return "/" + version + strings.TrimPrefix(path, "/"+LatestMarker)
}

// Resolver maps inbound tile URLs to storage URLs.
type Resolver struct {
	analyzer uri.Analyzer
	networks *network.Resolver
	builder  Builder
}

func NewResolver(analyzer uri.Analyzer, networks *network.Resolver, builder Builder) *Resolver {
	return &Resolver{
		analyzer: analyzer,
		networks: networks,
		builder:  builder,
	}
}

// Target is a resolved storage location.
type Target struct {
	URL      string
	Identity network.Identity
}

// Resolve returns the storage URL for rawURL. The error is ErrForeignHost or
// one of the network package errors and identifies the failed stage.
func (r *Resolver) Resolve(rawURL string) (string, error) {
	t, err := r.Lookup(rawURL)
	if err != nil {
		return "", err
	}
	return t.URL, nil
}

// Lookup is Resolve keeping the resolved network identity.
func (r *Resolver) Lookup(rawURL string) (Target, error) {
	label, ok := r.analyzer.SubdomainLabel(rawURL)
	if !ok {
		return Target{}, ErrForeignHost
	}

	id, err := r.networks.Resolve(label)
	if err != nil {
		return Target{}, err
	}

	path := RewriteLatestVersion(r.analyzer.Path(rawURL), id.Identifier, r.networks)

	return Target{
		URL:      r.builder.Build(id.Network, id.Region, path),
		Identity: id,
	}, nil
}
