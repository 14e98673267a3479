// Package handler implements the tile request handler.
// It resolves the inbound URL to a storage object, probes storage with a HEAD,
// negotiates the response against the client's validator and fetches the
// object body only when the negotiated response carries it.
package handler
