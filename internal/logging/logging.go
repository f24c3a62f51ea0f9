package logging

import "go.uber.org/zap"

type Logger = zap.SugaredLogger

// New returns the production logger. Output goes to stderr so stdout stays
// reserved for diagnostic documents.
func New() *Logger {
	l, _ := zap.NewProduction()
	return l.Sugar()
}

// Nop returns a logger that discards all output.
func Nop() *Logger {
	return zap.NewNop().Sugar()
}
