// Package generate owns the loaded model (the process-wide model handle) and
// runs constrained text generation through a backend adapter. It is
// structured into small files by concern:
//
//   - adapter.go: Adapter/Session interfaces and generation parameters.
//   - generator.go: Generator (Load, Generate, Ready, Close).
//   - admission.go: concurrency gate around the session.
//   - ngram.go: no-repeat n-gram guard over prompt and generated tokens.
//   - pieces.go: token estimates for backends that cannot tokenize.
//   - decode.go: control token handling for decoded output.
//   - errors.go: error types and helpers (IsDependencyUnavailable).
//
// Backends:
//
//   - In-process llama (standard):
//     Uses the go-llama.cpp adapter. Enabled with `-tags=llama`.
//     Files: adapter_llama.go, llama_cgo.go (linker rpath hints).
//     A no-CGO stub exists when the tag is not set: adapter_llama_stub.go.
//
//   - OpenAI-compatible completions server (llama-server, vLLM, OpenAI):
//     adapter_openai.go, always built. Repeats are banned through
//     logit_bias when the server exposes /tokenize.
//
// The go-llama.cpp model keeps a single token callback per model, so a
// session must not run two generations at once. The Generator serializes
// calls unless MaxConcurrent says otherwise.
package generate
