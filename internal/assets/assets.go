// Package assets holds the static payloads served without touching storage:
// the blank placeholder tile and the HTML error pages.
package assets

import (
	_ "embed"
)

const (
	PlaceholderContentType = "image/png"
	PageContentType        = "text/html"
)

var (
	//go:embed blank_tile.png
	placeholder []byte

	//go:embed 400.html
	clientErrorPage []byte

	//go:embed 502.html
	upstreamErrorPage []byte
)

// Placeholder returns the 256x256 transparent tile served for missing objects.
// The slice is shared; callers must not modify it.
func Placeholder() ([]byte, string) {
	return placeholder, PlaceholderContentType
}

// ClientErrorPage is the body of 400 responses.
func ClientErrorPage() []byte {
	return clientErrorPage
}

// UpstreamErrorPage is the body of 502 responses.
func UpstreamErrorPage() []byte {
	return upstreamErrorPage
}
