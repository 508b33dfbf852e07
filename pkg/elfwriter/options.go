package elfwriter

type Option func(w *Writer)

// WithSymbols adds a .symtab holding one absolute global symbol per name,
// linked to a .strtab holding the names.
func WithSymbols(names ...string) Option {
	return func(w *Writer) {
		w.symbols = append(w.symbols, names...)
	}
}
