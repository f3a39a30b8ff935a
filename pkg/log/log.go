// Package log builds the process loggers on top of luxfi/log.
package log

import (
	"fmt"
	"strings"

	"github.com/luxfi/log"
)

// New returns the node logger at the named level, tagged with the node name.
func New(node, level string) (log.Logger, error) {
	lvl, err := log.ToLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewTestLogger(lvl).New("node", node), nil
}

// Module derives the logger of one component.
func Module(logger log.Logger, name string) log.Logger {
	return logger.New("module", name)
}

// Quiet returns a logger that only reports errors.
func Quiet() log.Logger {
	lvl, _ := log.ToLevel("error")
	return log.NewTestLogger(lvl)
}
