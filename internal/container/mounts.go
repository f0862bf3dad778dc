package container

import "strings"

// Mount is an additional bind mount beyond the standard workspace/log
// directories Spawn always wires up.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// sanitizeVolumeName makes an agent workspace name safe to embed in a
// Docker volume/container name.
func sanitizeVolumeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
