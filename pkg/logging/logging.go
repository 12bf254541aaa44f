// Package logging provides the per-subsystem structured loggers used across
// the chunk layer. Every package that needs to log calls GetLogger(name)
// once at init time and keeps the handle.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	plog "github.com/pingcap/log"
	"github.com/sirupsen/logrus"
)

var mu sync.Mutex
var loggers = make(map[string]*Logger)

// Logger is a named logrus.Logger with a fixed line format so every
// subsystem's output lines up regardless of which package emitted them.
type Logger struct {
	logrus.Logger

	name string
	lvl  *logrus.Level
}

func (l *Logger) Format(e *logrus.Entry) ([]byte, error) {
	lvl := e.Level
	if l.lvl != nil {
		lvl = *l.lvl
	}

	const timeFormat = "2006-01-02 15:04:05.000000"
	str := fmt.Sprintf("%v %s[%d] <%v>: %v",
		e.Time.Format(timeFormat),
		l.name,
		os.Getpid(),
		strings.ToUpper(lvl.String()),
		e.Message)

	if len(e.Data) != 0 {
		str += fmt.Sprintf(" %v", e.Data)
	}
	str += "\n"
	return []byte(str), nil
}

func newLogger(name string) *Logger {
	l := &Logger{name: name}
	l.Out = os.Stderr
	l.Formatter = l
	l.Level = logrus.InfoLevel
	l.Hooks = make(logrus.LevelHooks)
	return l
}

// WithContainer returns an entry tagged with the owning container and its
// current epoch, so log lines from concurrently active epochs (a zombie
// still draining in-flight operations after a failover, say) can be told
// apart in a shared log stream.
func (l *Logger) WithContainer(containerID string, epoch int64) *logrus.Entry {
	return l.WithFields(logrus.Fields{"container": containerID, "epoch": epoch})
}

// GetLogger returns the logger mapped to name, creating it on first use.
func GetLogger(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[name]; ok {
		return l
	}
	l := newLogger(name)
	loggers[name] = l
	return l
}

// SetLevel sets the level on every logger created so far, and maps it onto
// the pingcap/log (zap-backed) level used by the redis metadata backend's
// diagnostic output.
func SetLevel(lvl logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		l.Level = lvl
	}

	var plvl string
	switch lvl {
	case logrus.TraceLevel:
		plvl = "debug"
	case logrus.DebugLevel:
		plvl = "info"
	case logrus.InfoLevel, logrus.WarnLevel:
		plvl = "warn"
	case logrus.ErrorLevel:
		plvl = "error"
	default:
		plvl = "dpanic"
	}
	conf := &plog.Config{Level: plvl}
	l, p, err := plog.InitLogger(conf)
	if err == nil {
		plog.ReplaceGlobals(l, p)
	}
}
