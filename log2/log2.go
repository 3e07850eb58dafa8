// Package log2 is a thin wrapper around stdlib log with levels.
// Niceties over passing a bare *log.Logger around:
// - level filtering, safe to change concurrently
// - nil receiver is valid and silent, handy for optional debug loggers
// - NewTest() routes output into t.Logf for parallel tests
package log2

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sync/atomic"
	"testing"
)

const (
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
)

type Func func(format string, args ...interface{})

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf Func
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == nil || w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type funcWriter struct{ f Func }

func (fw funcWriter) Write(b []byte) (int, error) {
	fw.f(string(b))
	return len(b), nil
}

func NewFunc(f Func, level Level) *Log { return NewWriter(funcWriter{f: f}, level) }

func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.SetFlags(LTestFlags)
	l.fatalf = t.Fatalf
	return l
}

// Clone returns a copy with different level sharing the output.
func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	n := NewWriter(l.w, level)
	n.SetFlags(l.l.Flags())
	n.fatalf = l.fatalf
	return n
}

func (l *Log) SetLevel(lvl Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(lvl))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) SetPrefix(prefix string) {
	if l == nil {
		return
	}
	l.l.SetPrefix(prefix)
}

func (l *Log) Enabled(lvl Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(lvl)
}

func (l *Log) Log(lvl Level, s string) {
	if l.Enabled(lvl) {
		_ = l.l.Output(3, s)
	}
}

func (l *Log) Logf(lvl Level, format string, args ...interface{}) {
	if l.Enabled(lvl) {
		_ = l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Error(args ...interface{}) { l.Log(LError, "error: "+fmt.Sprint(args...)) }
func (l *Log) Errorf(format string, args ...interface{}) {
	l.Logf(LError, "error: "+format, args...)
}
func (l *Log) Info(args ...interface{}) { l.Log(LInfo, fmt.Sprint(args...)) }
func (l *Log) Infof(format string, args ...interface{}) {
	l.Logf(LInfo, format, args...)
}
func (l *Log) Debug(args ...interface{}) { l.Log(LDebug, "debug: "+fmt.Sprint(args...)) }
func (l *Log) Debugf(format string, args ...interface{}) {
	l.Logf(LDebug, "debug: "+format, args...)
}

func (l *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if l != nil && l.fatalf != nil {
		l.fatalf(s)
		return
	}
	l.Log(LError, "fatal: "+s)
	os.Exit(1)
}

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l != nil && l.fatalf != nil {
		l.fatalf(format, args...)
		return
	}
	l.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
