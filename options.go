package dispatch

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxAttempts       = 3
	defaultInitialBackoff    = time.Second
	defaultBackoffMultiplier = 2.0
	defaultPublishDeadline   = 30 * time.Second
	defaultAppID             = "dispatch"

	defaultBatchSize    = 50
	defaultPollInterval = time.Second
	defaultRetryDelay   = 30 * time.Second
	defaultWorkers      = 1
	defaultPendingCheck = 0
)

// PublisherConfig defines how the Publisher retries and reports sends.
type PublisherConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	// MaxBackoff caps a single delay, zero disables the cap.
	MaxBackoff time.Duration
	// Deadline bounds all attempts of one publish, a negative value disables it.
	Deadline time.Duration
	// AttemptTimeout bounds a single send, zero leaves it to the transport.
	AttemptTimeout  time.Duration
	AppID           string
	Codec           Codec
	RetryClassifier RetryClassifier
	Sleeper         Sleeper
	IDGenerator     IDGenerator
	Logger          Logger
	Metrics         Metrics
	TracerProvider  trace.TracerProvider
	Propagator      propagation.TextMapPropagator
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.Deadline == 0 {
		c.Deadline = defaultPublishDeadline
	}
	if c.AppID == "" {
		c.AppID = defaultAppID
	}
	if c.Codec == nil {
		c.Codec = JSONCodec{}
	}
	if c.RetryClassifier == nil {
		c.RetryClassifier = DefaultRetryClassifier
	}
	if c.Sleeper == nil {
		c.Sleeper = SleepContext
	}
	if c.IDGenerator == nil {
		c.IDGenerator = NewUUIDv7
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Propagator == nil {
		c.Propagator = otel.GetTextMapPropagator()
	}

	return c
}

// PublisherOption configures Publisher behavior.
type PublisherOption func(*PublisherConfig)

// WithMaxAttempts sets the total number of send attempts per publish.
func WithMaxAttempts(attempts int) PublisherOption {
	return func(c *PublisherConfig) {
		c.MaxAttempts = attempts
	}
}

// WithBackoff sets the first retry delay and the growth factor of later delays.
func WithBackoff(initial time.Duration, multiplier float64) PublisherOption {
	return func(c *PublisherConfig) {
		c.InitialBackoff = initial
		c.BackoffMultiplier = multiplier
	}
}

// WithMaxBackoff caps a single retry delay.
func WithMaxBackoff(limit time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.MaxBackoff = limit
	}
}

// WithDeadline bounds the total time spent on one publish including retries.
func WithDeadline(deadline time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.Deadline = deadline
	}
}

// WithAttemptTimeout bounds a single send attempt.
func WithAttemptTimeout(timeout time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.AttemptTimeout = timeout
	}
}

// WithAppID sets the application id stamped on outgoing messages.
func WithAppID(appID string) PublisherOption {
	return func(c *PublisherConfig) {
		c.AppID = appID
	}
}

// WithCodec sets the event codec.
func WithCodec(codec Codec) PublisherOption {
	return func(c *PublisherConfig) {
		c.Codec = codec
	}
}

// WithRetryClassifier sets the classifier separating transient from permanent send errors.
func WithRetryClassifier(classifier RetryClassifier) PublisherOption {
	return func(c *PublisherConfig) {
		c.RetryClassifier = classifier
	}
}

// WithSleeper replaces the backoff sleep function.
func WithSleeper(sleeper Sleeper) PublisherOption {
	return func(c *PublisherConfig) {
		c.Sleeper = sleeper
	}
}

// WithIDGenerator sets the message and correlation id generator.
func WithIDGenerator(gen IDGenerator) PublisherOption {
	return func(c *PublisherConfig) {
		c.IDGenerator = gen
	}
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger Logger) PublisherOption {
	return func(c *PublisherConfig) {
		c.Logger = logger
	}
}

// WithPublisherMetrics sets the publisher metrics recorder.
func WithPublisherMetrics(metrics Metrics) PublisherOption {
	return func(c *PublisherConfig) {
		c.Metrics = metrics
	}
}

// WithTracerProvider sets the tracer provider used for publish spans.
func WithTracerProvider(provider trace.TracerProvider) PublisherOption {
	return func(c *PublisherConfig) {
		c.TracerProvider = provider
	}
}

// WithPropagator sets the propagator injecting trace context into message headers.
func WithPropagator(propagator propagation.TextMapPropagator) PublisherOption {
	return func(c *PublisherConfig) {
		c.Propagator = propagator
	}
}

// BusConfig defines how the Bus reports isolated subscriber failures.
type BusConfig struct {
	Logger    Logger
	Metrics   Metrics
	ErrorSink ErrorSink
}

func (c BusConfig) withDefaults() BusConfig {
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// BusOption configures Bus behavior.
type BusOption func(*BusConfig)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger Logger) BusOption {
	return func(c *BusConfig) {
		c.Logger = logger
	}
}

// WithBusMetrics sets the metrics recorder counting swallowed failures.
func WithBusMetrics(metrics Metrics) BusOption {
	return func(c *BusConfig) {
		c.Metrics = metrics
	}
}

// WithErrorSink registers the receiver of aggregated subscriber failures.
func WithErrorSink(sink ErrorSink) BusOption {
	return func(c *BusConfig) {
		c.ErrorSink = sink
	}
}

// ReplayerConfig defines how the Replayer polls and processes ledger records.
type ReplayerConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	RetryDelay        time.Duration
	Workers           int
	ReplayWindow      time.Duration
	Clock             Clock
	ErrorHandler      ReplayFailureHandler
	Logger            Logger
	Metrics           ReplayMetrics
	FailureClassifier FailureClassifier
	HandlerTimeout    time.Duration
	PendingInterval   time.Duration
}

func (c ReplayerConfig) withDefaults() ReplayerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}

	return c
}

// ReplayerOption configures Replayer behavior.
type ReplayerOption func(*ReplayerConfig)

// WithBatchSize sets the number of records processed per batch.
func WithBatchSize(size int) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(interval time.Duration) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.PollInterval = interval
	}
}

// WithRetryDelay sets how long a record that failed a replay stays out of
// later fetches.
func WithRetryDelay(delay time.Duration) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.RetryDelay = delay
	}
}

// WithWorkers sets the number of concurrent polling workers.
func WithWorkers(count int) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.Workers = count
	}
}

// WithReplayWindow limits replay to failures recorded after now-window.
func WithReplayWindow(window time.Duration) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.ReplayWindow = window
	}
}

// WithClock sets the Replayer clock.
func WithClock(clock Clock) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for replay failures.
func WithErrorHandler(handler ReplayFailureHandler) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the replayer logger.
func WithLogger(logger Logger) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the replayer metrics recorder.
func WithMetrics(metrics ReplayMetrics) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the failure classifier for retry/dead-letter decisions.
func WithFailureClassifier(classifier FailureClassifier) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.FailureClassifier = classifier
	}
}

// WithHandlerTimeout sets a per-record handler timeout.
func WithHandlerTimeout(timeout time.Duration) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
func WithPendingInterval(interval time.Duration) ReplayerOption {
	return func(c *ReplayerConfig) {
		c.PendingInterval = interval
	}
}
