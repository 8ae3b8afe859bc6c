//go:build !android || !cgo

package sysprop

func get(string) string { return "" }
