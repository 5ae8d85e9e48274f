// Package logx provides the leveled logger shared by every long-lived
// component in the orchestrator and node daemon.
package logx

import (
	"fmt"
	"log"
	"sync"

	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

// Logger stamps every line with a clock reading and a component id so that
// log output from many goroutines (jobs, registry sweeps, RPC handlers)
// stays attributable.
type Logger struct {
	mu    sync.Mutex
	id    string
	clock *simclock.Clock
}

func New(id string, clock *simclock.Clock) *Logger {
	return &Logger{id: id, clock: clock}
}

// With returns a child logger scoped to a sub-component, e.g. a per-job id.
func (l *Logger) With(id string) *Logger {
	return &Logger{id: l.id + "." + id, clock: l.clock}
}

func (l *Logger) with(level string, msg string) string {
	ts := l.clock.Stamp()
	return fmt.Sprintf("[%s] [%s] [%s] %s", ts, l.id, level, msg)
}

func (l *Logger) Infof(f string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Println(l.with("INFO", fmt.Sprintf(f, a...)))
}

func (l *Logger) Warnf(f string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Println(l.with("WARN", fmt.Sprintf(f, a...)))
}

func (l *Logger) Errorf(f string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Println(l.with("ERROR", fmt.Sprintf(f, a...)))
}
