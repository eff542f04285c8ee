package quic

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qnet-io/quince/transport"
)

type logLevel int

// Log levels
const (
	levelOff logLevel = iota
	levelError
	levelInfo
	levelDebug
	levelTrace
)

// logrusLevel maps this package's off/error/info/debug/trace enum onto
// logrus's level set.
func (l logLevel) logrusLevel() logrus.Level {
	switch l {
	case levelError:
		return logrus.ErrorLevel
	case levelInfo:
		return logrus.InfoLevel
	case levelDebug:
		return logrus.DebugLevel
	case levelTrace:
		return logrus.TraceLevel
	default:
		return logrus.ErrorLevel
	}
}

// logger logs QUIC transactions through a logrus.Logger instead of raw
// hand-formatted lines, while keeping an explicit level gate (logrus
// would otherwise log trace-level entries whenever its level permits, but
// attachLogger only wants to pay for qlog field assembly when asked to).
type logger struct {
	level logLevel
	mu    sync.Mutex
	log   *logrus.Logger
}

func newLogger() *logger {
	l := logrus.New()
	l.SetLevel(logrus.TraceLevel)
	l.SetOutput(io.Discard)
	return &logger{log: l}
}

func (s *logger) setWriter(w io.Writer) {
	s.mu.Lock()
	s.log.SetOutput(w)
	s.mu.Unlock()
}

func (s *logger) setLevel(level logLevel) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

func (s *logger) logAt(level logLevel, format string, values ...interface{}) {
	s.mu.Lock()
	enabled := s.level >= level
	l := s.log
	s.mu.Unlock()
	if !enabled {
		return
	}
	l.Log(level.logrusLevel(), fmt.Sprintf(format, values...))
}

func (s *logger) attachLogger(c *remoteConn) {
	if s.level < levelDebug {
		return
	}
	tl := transactionLogger{
		logger: s,
		fields: logrus.Fields{"addr": c.addr.String(), "cid": fmt.Sprintf("%x", c.scid)},
	}
	c.conn.OnLogEvent(tl.logEvent)
}

func (s *logger) detachLogger(c *remoteConn) {
	c.conn.OnLogEvent(nil)
}

// transactionLogger binds a per-connection field set (remote address,
// source CID) onto every transport.LogEvent it forwards, so trace output
// can be filtered or grouped by connection downstream.
type transactionLogger struct {
	logger *logger
	fields logrus.Fields
}

func (s *transactionLogger) logEvent(e transport.LogEvent) {
	s.logger.mu.Lock()
	enabled := s.logger.level >= levelDebug
	l := s.logger.log
	s.logger.mu.Unlock()
	if !enabled {
		return
	}
	l.WithFields(s.fields).WithFields(e.Fields()).WithTime(e.Time).Debug(e.Type)
}
