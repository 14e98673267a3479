// Package uri extracts the parts of an inbound tile URL that drive backend
// resolution: the network subdomain label, the path and its version segment.
// All functions are pure and never fail on malformed input; a URL that does not
// parse simply yields an absent result.
package uri
