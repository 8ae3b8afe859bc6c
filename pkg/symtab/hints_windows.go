package symtab

func defaultHints() []string {
	return []string{"jvm.dll"}
}
