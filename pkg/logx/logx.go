// Package logx provides leveled, component-tagged logging with domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a log severity label.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

type ctxKey string

// ComponentKey is the context key Debug reads the component name from.
const ComponentKey ctxKey = "component"

// Logger writes lines of the form "[ts] [component] LEVEL: message".
type Logger struct {
	component string
}

type debugSettings struct {
	domains map[string]bool // nil means every domain
	enabled bool
}

//nolint:gochecknoglobals // process-wide log sink and debug switches
var (
	logWriter     io.Writer
	logFile       *os.File
	logWriterLock sync.Mutex

	debugCfg   debugSettings
	debugMutex sync.RWMutex

	defaultLogger = NewLogger("system")
)

func init() { //nolint:gochecknoinits // env-driven debug switches
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugCfg.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugCfg.domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// NewLogger returns a logger tagged with the given component name.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the logger's tag.
func (l *Logger) Component() string {
	return l.component
}

// With returns a logger with a different tag sharing the same sink.
func (l *Logger) With(component string) *Logger {
	return &Logger{component: component}
}

// SetDebug toggles debug output and limits it to the given domains (empty means all).
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugCfg.enabled = enabled
	debugCfg.domains = parseDomains(domains)
}

// IsDebugEnabled reports whether debug output is on.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugCfg.enabled
}

// IsDebugEnabledForDomain reports whether debug output is on for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	if !debugCfg.enabled {
		return false
	}
	if debugCfg.domains == nil {
		return true
	}
	return debugCfg.domains[domain]
}

// SetOutput redirects all loggers. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = w
}

// InitializeLogFile sends log output to dir/appforge.log. When tee is set the
// output also goes to stderr.
func InitializeLogFile(dir string, tee bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "appforge.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logFile = f
	if tee {
		logWriter = io.MultiWriter(os.Stderr, f)
	} else {
		logWriter = f
	}
	return nil
}

// CloseLogFile closes the file opened by InitializeLogFile and restores stderr.
func CloseLogFile() error {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = nil
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

func writeLine(component string, level Level, message string) {
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", time.Now().UTC().Format(timestampFormat), component, level, message)

	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	var w io.Writer = os.Stderr
	if logWriter != nil {
		w = logWriter
	}
	_, _ = io.WriteString(w, line)
}

func (l *Logger) log(level Level, format string, args ...any) {
	writeLine(l.component, level, fmt.Sprintf(format, args...))
}

// Debug logs only when DEBUG is enabled.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Debug logs a domain-scoped debug line. The component is read from ctx.
//
//	DEBUG=1                              # all domains
//	DEBUG=1 DEBUG_DOMAINS=loop,verify    # only these domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "unknown"
	if ctx != nil {
		if v, ok := ctx.Value(ComponentKey).(string); ok && v != "" {
			component = v
		}
	}
	writeLine(component, LevelDebug, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

// WithComponent tags ctx for Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ComponentKey, component)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. A nil err returns nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
