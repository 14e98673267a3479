package storage

import "strings"

func splitDirectives(value string) []string {
	parts := strings.Split(value, ",")
	directives := make([]string, 0, len(parts))
	for _, p := range parts {
		name, _, _ := strings.Cut(strings.TrimSpace(p), "=")
		if name != "" {
			directives = append(directives, strings.ToLower(name))
		}
	}
	return directives
}
