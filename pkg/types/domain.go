package types

// Model represents a discoverable or loadable language model.
type Model struct {
	// Stable identifier for the model.
	// example: gpt-neo-125m.Q8_0.gguf
	ID string `json:"id" example:"gpt-neo-125m.Q8_0.gguf"`
	// Human-friendly name.
	// example: gpt-neo-125m.Q8_0
	Name string `json:"name" example:"gpt-neo-125m.Q8_0"`
	// Absolute path to the model file on disk. Empty for remote models.
	// example: /home/user/models/llm/gpt-neo-125m.Q8_0.gguf
	Path string `json:"path,omitempty" example:"/home/user/models/llm/gpt-neo-125m.Q8_0.gguf"`
	// Quantization level or variant string.
	// example: Q8_0
	Quant string `json:"quant,omitempty" example:"Q8_0"`
}
