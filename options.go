package aiqa

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*resolvedOptions)

// resolvedOptions holds configuration overrides after applying defaults.
// Unexported; callers use the With* functions. Environment variables fill
// anything left unset.
type resolvedOptions struct {
	serverURL       string
	apiKey          string
	organisationID  string
	serviceName     string
	componentTag    string
	samplingRate    *float64
	flushInterval   time.Duration
	shutdownTimeout time.Duration
	sampleLimit     *int
	httpClient      *http.Client
	logger          *slog.Logger
	noGlobal        bool
}

// WithServerURL overrides the collector base URL (AIQA_SERVER_URL env var).
func WithServerURL(url string) Option {
	return func(o *resolvedOptions) { o.serverURL = url }
}

// WithAPIKey overrides the collector API key (AIQA_API_KEY env var).
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.apiKey = key }
}

// WithOrganisationID overrides the organisation used for span lookups
// (AIQA_ORGANISATION_ID env var).
func WithOrganisationID(id string) Option {
	return func(o *resolvedOptions) { o.organisationID = id }
}

// WithServiceName overrides the service.name resource attribute
// (AIQA_SERVICE_NAME env var).
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.serviceName = name }
}

// WithComponentTag overrides the component attribute stamped on every span
// started by this process (AIQA_COMPONENT_TAG env var).
func WithComponentTag(tag string) Option {
	return func(o *resolvedOptions) { o.componentTag = tag }
}

// WithSamplingRate overrides the trace sampling ratio (AIQA_SAMPLING_RATE
// env var). Values outside [0, 1] are clamped with a warning.
func WithSamplingRate(rate float64) Option {
	return func(o *resolvedOptions) { o.samplingRate = &rate }
}

// WithFlushInterval overrides how often buffered spans are sent to the
// collector (AIQA_FLUSH_INTERVAL env var).
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithShutdownTimeout overrides how long Shutdown waits for the flush loop
// to finish before forcing the final flush (AIQA_SHUTDOWN_TIMEOUT env var).
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.shutdownTimeout = d }
}

// WithSampleLimit overrides how many yielded values a stream summary keeps
// (AIQA_SAMPLE_LIMIT env var).
func WithSampleLimit(n int) Option {
	return func(o *resolvedOptions) { o.sampleLimit = &n }
}

// WithHTTPClient sets the HTTP client used for span delivery and lookups.
// If not set, a default client with a 30-second timeout is used.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithLogger sets the structured logger for the Client.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithoutGlobalProvider keeps Start from installing the client's tracer
// provider and propagator globally. The package-level wrappers then keep
// using whatever provider is already installed; obtain spans for this
// client through Tracer or TracerProvider instead.
func WithoutGlobalProvider() Option {
	return func(o *resolvedOptions) { o.noGlobal = true }
}
