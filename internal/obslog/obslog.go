// Package obslog wraps github.com/sirupsen/logrus into the structured,
// component-scoped logger this repo's packages share, suited to running
// headless on a server rather than alongside a GUI log widget.
package obslog

import (
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the root logger. level is parsed with logrus' own
// ParseLevel; an invalid level falls back to InfoLevel.
func New(levelName string, json bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if json {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Component scopes a logger to one subsystem, e.g. "transaction" or
// "exchange", the way distribution-distribution's Context carries a
// request-scoped *logrus.Entry through its handler chain.
func Component(log logrus.FieldLogger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// WithPeer attaches the remote address a log line concerns.
func WithPeer(entry *logrus.Entry, peer net.Addr) *logrus.Entry {
	if peer == nil {
		return entry
	}
	return entry.WithField("peer", peer.String())
}

// WithToken attaches a request token, hex-rendered, to correlate log
// lines belonging to the same exchange.
func WithToken(entry *logrus.Entry, token []byte) *logrus.Entry {
	if len(token) == 0 {
		return entry
	}
	return entry.WithField("token", hexString(token))
}

// WithMessageID attaches a CoAP message ID for transaction-level logs.
func WithMessageID(entry *logrus.Entry, mid uint16) *logrus.Entry {
	return entry.WithField("mid", mid)
}

func hexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
