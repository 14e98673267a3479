// Package healthcheck implements periodic health checking of object storage.
// It probes a known object in the bucket and updates the storage client's
// health status based on the response.
package healthcheck
