package iothub

import (
	"github.com/rs/zerolog"

	"github.com/Thejuampi/iothub-client-go/iothub/internal/clock"
)

// ConnectionOption configures a ConnectionManager at construction.
type ConnectionOption func(manager *ConnectionManager)

// WithTransportConfig replaces DefaultTransportConfig.
func WithTransportConfig(config TransportConfig) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.transport = config
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger zerolog.Logger) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.logger = logger
	}
}

// WithMetrics sets the metrics sink. Nil keeps NoopMetrics.
func WithMetrics(metrics Metrics) ConnectionOption {
	return func(manager *ConnectionManager) {
		if metrics != nil {
			manager.metrics = metrics
		}
	}
}

// WithRefreshPolicy replaces DefaultRefreshPolicy.
func WithRefreshPolicy(policy RefreshPolicy) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.refreshPolicy = policy
	}
}

// WithFatalClassifier decides which errors bypass translation.
func WithFatalClassifier(classifier FatalClassifier) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.classifier = classifier
	}
}

// WithAudience overrides the token audience, which defaults to the host
// name.
func WithAudience(audience string) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.audience = audience
	}
}

func withClock(clk clock.Clock) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.clock = clk
	}
}

func withDialer(protocol TransportProtocol, dial dialFunc) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.dialers[protocol] = dial
	}
}

func withConnOpener(open connOpener) ConnectionOption {
	return func(manager *ConnectionManager) {
		manager.openConn = open
	}
}
