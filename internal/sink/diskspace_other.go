//go:build !(linux || darwin || freebsd)

package sink

import "math"

// FreeBytes is not implemented on this platform and reports unlimited space.
func FreeBytes(path string) (uint64, error) {
	return math.MaxUint64, nil
}
