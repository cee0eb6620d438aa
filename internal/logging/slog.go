package logging

import "log/slog"

// SlogProvider adapts a caller-supplied slog logger to the provider
// interface. Scopes become a "scope" attribute on each entry instead of
// the named-logger hierarchy the file manager uses.
type SlogProvider struct {
	base *slog.Logger
}

// NewSlogProvider wraps base. A nil base discards everything.
func NewSlogProvider(base *slog.Logger) *SlogProvider {
	return &SlogProvider{base: base}
}

// For returns a scoped logger writing through the wrapped base logger.
func (p *SlogProvider) For(scope string) *ScopedLogger {
	if p.base == nil {
		return NopLogger()
	}
	return &ScopedLogger{
		slog:  p.base.With("scope", scope),
		scope: scope,
	}
}
