//go:build !android

package symtab

func defaultHints() []string {
	return []string{"libjvm.so"}
}
