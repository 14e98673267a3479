// Package endpoint turns an inbound tile URL into the object-storage URL it is
// served from. Resolver chains the uri and network packages with the Builder
// and stops at the first failing step, before any network I/O happens.
package endpoint
