//go:build !unix && !windows

package local

func isCrossDevice(error) bool { return false }
