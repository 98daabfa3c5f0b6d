package internal

import "runtime"

// GoroutineID returns the id of the calling goroutine.
//
// The runtime exposes no accessor for this, so it is parsed out of the
// header line of runtime.Stack output ("goroutine 123 [running]:").
// Slow next to a real thread-local, but portable across Go versions.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID extracts the numeric id from a stack trace header.
// Returns 0 if the buffer doesn't look like one.
func parseGID(buf []byte) uint64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var gid uint64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + uint64(c-'0')
	}
	return gid
}
