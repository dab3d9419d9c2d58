//go:build !linux && !darwin

package transport

// classifyErrno has no platform errno table here; everything is unknown.
func classifyErrno(error) Kind { return KindUnknown }
