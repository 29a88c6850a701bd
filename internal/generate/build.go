package generate

// LlamaBuilt reports whether the in-process llama backend was compiled in.
func LlamaBuilt() bool { return llamaBuilt }
