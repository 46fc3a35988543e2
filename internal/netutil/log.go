// Package netutil holds small ambient helpers shared by the proxy's
// transport-facing code: in particular the "is this error expected" allow
// list used to keep routine connection teardown out of error-level logs.
package netutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
)

// normalErrMsgs lists substrings of errors that happen constantly in normal
// operation (peer closed the connection, browser cancelled a request) and
// would otherwise drown real failures in the logs.
var normalErrMsgs = []string{
	"use of closed network connection",
	"connection reset by peer",
	"broken pipe",
	"forcibly closed",
}

// LogTransportError logs err at Debug if it looks like routine connection
// teardown, Error otherwise. msg/args follow slog's convention.
func LogTransportError(logger *slog.Logger, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	if isNormal(err) {
		logger.Debug(msg, append(args, "error", err)...)
		return
	}
	logger.Error(msg, append(args, "error", err)...)
}

func isNormal(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	s := err.Error()
	for _, m := range normalErrMsgs {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
