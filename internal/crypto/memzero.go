package crypto

import "runtime"

// Wipe overwrites b with zeroes so partial keys and derived secrets do
// not outlive their use. Best effort: copies the runtime made earlier
// are out of reach.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// Keep the slice reachable so the zeroing loop is not elided.
	runtime.KeepAlive(&b)
}
