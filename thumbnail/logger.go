package thumbnail

import (
	"io"
	"log"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-hclog"
)

// hclogAdapter lets go-plugin log through a logr.Logger. Trace and Debug
// map to V(1); everything else is logged at V(0).
type hclogAdapter struct {
	logger      logr.Logger
	impliedArgs []any
	name        string
}

func newHclogAdapter(logger logr.Logger) hclog.Logger {
	return &hclogAdapter{logger: logger}
}

func (a *hclogAdapter) Log(level hclog.Level, msg string, args ...any) {
	switch {
	case level == hclog.Off:
	case level >= hclog.Error:
		a.logger.Error(nil, msg, args...)
	case level >= hclog.Warn:
		a.logger.Info(msg, append(args, "severity", "warn")...)
	case level >= hclog.Info:
		a.logger.Info(msg, args...)
	default:
		a.logger.V(1).Info(msg, args...)
	}
}

func (a *hclogAdapter) Trace(msg string, args ...any) { a.Log(hclog.Trace, msg, args...) }
func (a *hclogAdapter) Debug(msg string, args ...any) { a.Log(hclog.Debug, msg, args...) }
func (a *hclogAdapter) Info(msg string, args ...any)  { a.Log(hclog.Info, msg, args...) }
func (a *hclogAdapter) Warn(msg string, args ...any)  { a.Log(hclog.Warn, msg, args...) }
func (a *hclogAdapter) Error(msg string, args ...any) { a.Log(hclog.Error, msg, args...) }

func (a *hclogAdapter) IsTrace() bool { return a.logger.V(1).Enabled() }
func (a *hclogAdapter) IsDebug() bool { return a.logger.V(1).Enabled() }
func (a *hclogAdapter) IsInfo() bool  { return a.logger.Enabled() }
func (a *hclogAdapter) IsWarn() bool  { return a.logger.Enabled() }
func (a *hclogAdapter) IsError() bool { return a.logger.Enabled() }

func (a *hclogAdapter) ImpliedArgs() []any { return a.impliedArgs }

func (a *hclogAdapter) With(args ...any) hclog.Logger {
	implied := make([]any, 0, len(a.impliedArgs)+len(args))
	implied = append(implied, a.impliedArgs...)
	implied = append(implied, args...)
	return &hclogAdapter{
		logger:      a.logger.WithValues(args...),
		impliedArgs: implied,
		name:        a.name,
	}
}

func (a *hclogAdapter) Name() string { return a.name }

func (a *hclogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return &hclogAdapter{logger: a.logger.WithName(name), impliedArgs: a.impliedArgs, name: full}
}

func (a *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: a.logger.WithName(name), impliedArgs: a.impliedArgs, name: name}
}

// SetLevel is a no-op: logr verbosity is fixed when the sink is built.
func (a *hclogAdapter) SetLevel(hclog.Level) {}

func (a *hclogAdapter) GetLevel() hclog.Level {
	if a.logger.V(1).Enabled() {
		return hclog.Debug
	}
	return hclog.Info
}

func (a *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return hclogWriter{a}
}

type hclogWriter struct {
	adapter *hclogAdapter
}

func (w hclogWriter) Write(p []byte) (int, error) {
	w.adapter.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
