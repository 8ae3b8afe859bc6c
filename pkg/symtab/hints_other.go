//go:build !linux && !android && !windows

package symtab

func defaultHints() []string {
	return []string{"libjvm.dylib", "libjvm.so"}
}
