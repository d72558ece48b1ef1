//go:build !unix

package common

func lowerPriority() error { return nil }
