// Package obs declares the narrow logging/metrics interfaces the core
// (internal/session, internal/proxy) depends on. SPEC_FULL
// §2 is explicit that the core never imports zap or Prometheus directly;
// internal/logging and internal/metrics satisfy these interfaces structurally
// (a *zap.SugaredLogger already has every method Logger names), so no
// wrapper type is needed to plug them in.
package obs

// Logger is the subset of zap.SugaredLogger's API the core calls.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Metrics is the subset of metrics.Registry's API the core calls.
type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	UpstreamReconnected()
	RequestBatchSent(bytes int)
	ReplyFramed(bytes int)
	FatalError()
}

// NopLogger and NopMetrics let tests exercise the core without wiring a real
// logger or metrics registry.
type NopLogger struct{}

func (NopLogger) Debugw(string, ...interface{}) {}
func (NopLogger) Infow(string, ...interface{})  {}
func (NopLogger) Warnw(string, ...interface{})  {}
func (NopLogger) Errorw(string, ...interface{}) {}

type NopMetrics struct{}

func (NopMetrics) ClientConnected()           {}
func (NopMetrics) ClientDisconnected()        {}
func (NopMetrics) UpstreamReconnected()       {}
func (NopMetrics) RequestBatchSent(int)       {}
func (NopMetrics) ReplyFramed(int)            {}
func (NopMetrics) FatalError()                {}
