package httpapi

import "chatd/internal/metrics"

// maxBodyBytes caps the /chat request body. Zero means no limit; prompts are
// passed through unchecked unless an operator opts in.
var maxBodyBytes int64

// SetMaxBodyBytes configures the maximum request body size (<=0 disables the cap).
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 0
		return
	}
	maxBodyBytes = n
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// httpMetrics, when set, instruments every request on the primary router.
var httpMetrics *metrics.HTTPMetrics

// SetHTTPMetrics installs request instrumentation (nil disables it).
func SetHTTPMetrics(m *metrics.HTTPMetrics) { httpMetrics = m }
