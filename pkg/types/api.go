package types

// ChatRequest is the payload accepted by POST /chat.
type ChatRequest struct {
	// Prompt text to continue. A missing field is treated as the empty string.
	// example: Hello
	Prompt string `json:"prompt" example:"Hello"`
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	// Prompt followed by the generated continuation.
	// example: Hello, my name is John and I am a student.
	Response string `json:"response" example:"Hello, my name is John and I am a student."`
}

// ModelsResponse wraps the list of models printed by `chatd models`.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
