package trace

import (
	"io"

	log "github.com/rs/zerolog"
)

type TraceeOptions struct {
	exePath string
	args    []string
	stdout  io.Writer
	stderr  io.Writer
	logger  log.Logger
}

type TraceeOption func(*Tracee)

func WithTraceeExePath(path string) TraceeOption {
	return func(o *Tracee) {
		o.exePath = path
	}
}

func WithTraceeArgs(args ...string) TraceeOption {
	return func(o *Tracee) {
		o.args = args
	}
}

func WithTraceeStdout(w io.Writer) TraceeOption {
	return func(o *Tracee) {
		o.stdout = w
	}
}

func WithTraceeStderr(w io.Writer) TraceeOption {
	return func(o *Tracee) {
		o.stderr = w
	}
}

func WithTraceeLogger(logger log.Logger) TraceeOption {
	return func(o *Tracee) {
		o.logger = logger
	}
}
