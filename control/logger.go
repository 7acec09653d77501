// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// Default structured logger every component is injected with unless a
// caller supplies its own (e.g. a development logger under test).

package control

import "go.uber.org/zap"

// Logger returns a production JSON *zap.SugaredLogger. Falling back to
// a no-op logger on construction failure keeps a misconfigured sink
// (e.g. an unwritable log path) from taking down the whole node.
func Logger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
