package uri

import (
	"net/url"
	"strings"
)

// Analyzer extracts request parts relative to a public domain such as
// "coveragetiles.com".
type Analyzer struct {
	Domain string
}

// NewAnalyzer returns an Analyzer for the given public domain. A leading dot is
// tolerated.
func NewAnalyzer(domain string) Analyzer {
	return Analyzer{Domain: strings.TrimPrefix(strings.ToLower(domain), ".")}
}

// SubdomainLabel returns the host label preceding the public domain.
func (a Analyzer) SubdomainLabel(rawURL string) (string, bool) {
	return SubdomainLabel(rawURL, a.Domain)
}

// Path returns the escaped path of rawURL.
func (a Analyzer) Path(rawURL string) string {
	return Path(rawURL)
}

// VersionSegment returns the first path segment of rawURL.
func (a Analyzer) VersionSegment(rawURL string) (string, bool) {
	return VersionSegment(rawURL)
}

// SubdomainLabel returns everything in the hostname of rawURL before
// ".<domain>". The comparison ignores case and any port. It reports false when
// the URL does not parse, the host lacks the suffix, or nothing precedes it.
func SubdomainLabel(rawURL, domain string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	suffix := "." + strings.TrimPrefix(strings.ToLower(domain), ".")

	if !strings.HasSuffix(host, suffix) {
		return "", false
	}

	label := strings.TrimSuffix(host, suffix)
	if label == "" {
		return "", false
	}

	return label, true
}

// Path returns the escaped path of rawURL, including the leading slash, with
// dot segments removed. Percent-encoded dots ("%2e") count as dots, so the
// result can never climb above the root. Unparseable URLs yield an empty path.
func Path(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return RemoveDotSegments(u.EscapedPath())
}

// RemoveDotSegments resolves "." and ".." segments of an absolute escaped
// path as RFC 3986 section 5.2.4 does. A dot segment in last position leaves
// a trailing slash, e.g. "/a/b/.." becomes "/a/".
func RemoveDotSegments(path string) string {
	if !strings.HasPrefix(path, "/") {
		return path
	}

	segments := strings.Split(path[1:], "/")
	out := make([]string, 0, len(segments))

	for i, seg := range segments {
		last := i == len(segments)-1

		switch {
		case isDoubleDot(seg):
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			if last {
				out = append(out, "")
			}
		case isSingleDot(seg):
			if last {
				out = append(out, "")
			}
		default:
			out = append(out, seg)
		}
	}

	return "/" + strings.Join(out, "/")
}

func isSingleDot(seg string) bool {
	return seg == "." || strings.EqualFold(seg, "%2e")
}

func isDoubleDot(seg string) bool {
	switch strings.ToLower(seg) {
	case "..", ".%2e", "%2e.", "%2e%2e":
		return true
	}
	return false
}

// VersionSegment returns the segment right after the leading slash, e.g.
// "latest" for "/latest/4g/0/0/0.png".
func VersionSegment(rawURL string) (string, bool) {
	return SegmentOf(Path(rawURL))
}

// SegmentOf is VersionSegment for an already extracted path.
func SegmentOf(path string) (string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}
