// Package klog is the kernel's console logger. There is no structured
// logging framework of its own; it formats with fmt.Sprintf into a
// console ring (circbuf.Circbuf_t) and a boot console device. This keeps
// that shape rather than reaching for a hosted structured-logging
// library (zap/zerolog/slog handlers all assume a heap-backed encoder and
// an io.Writer sink, neither of which is a safe assumption on the panic
// path -- see DESIGN.md for why this is the one ambient concern justified
// on the standard library).
package klog

import (
	"fmt"
	"sync"

	"patchwork/internal/circbuf"
)

// Level is a log severity, ordered low to high.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Err
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Err:
		return "ERR"
	default:
		return "?"
	}
}

// Console is a leveled logger backed by a bounded ring buffer so a
// misbehaving subsystem cannot grow kernel log memory without bound.
type Console struct {
	mu    sync.Mutex
	ring  circbuf.Circbuf_t
	level Level
	// sink additionally receives every formatted line; nil in
	// production, set in tests to assert on log content.
	sink func(string)
}

// NewConsole allocates a console logger with a bufsz-byte ring.
func NewConsole(bufsz int, level Level) *Console {
	c := &Console{level: level}
	c.ring.Init(bufsz)
	return c
}

// SetSink installs (or clears, with nil) a callback invoked with every
// formatted log line, in addition to the ring buffer.
func (c *Console) SetSink(f func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = f
}

func (c *Console) logf(lvl Level, format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lvl < c.level {
		return
	}
	line := fmt.Sprintf("[%s] "+format+"\n", append([]interface{}{lvl}, args...)...)
	c.ring.Copyin([]uint8(line))
	if c.sink != nil {
		c.sink(line)
	}
}

func (c *Console) Debugf(format string, args ...interface{}) { c.logf(Debug, format, args...) }
func (c *Console) Infof(format string, args ...interface{})  { c.logf(Info, format, args...) }
func (c *Console) Warnf(format string, args ...interface{})  { c.logf(Warn, format, args...) }
func (c *Console) Errf(format string, args ...interface{})   { c.logf(Err, format, args...) }

// Dump returns the buffered console history, oldest line first.
func (c *Console) Dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.ring.Snapshot())
}

// Default is the kernel-wide console, matching a reference single global
// console device; callers that need isolation (tests) construct their own
// via NewConsole.
var Default = NewConsole(64*1024, Info)
