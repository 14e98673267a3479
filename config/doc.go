// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration structure
// including the server, the public domain, the object storage location and its
// cache tier, the network, region and version tables, and the response headers.
package config
