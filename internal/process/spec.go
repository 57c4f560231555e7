package process

import (
	"errors"
	"io"
	"strings"
)

// Stream identifies which output of a process a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// DefaultTailLines is how many trailing output lines a Handle keeps.
const DefaultTailLines = 50

// Spec describes one process launch.
type Spec struct {
	Name    string   // version id, used in log file names
	Command string   // shell command line
	WorkDir string   // working directory
	Env     []string // complete "K=V" environment

	// Stdout and Stderr, when set, receive a raw copy of the output.
	Stdout io.WriteCloser
	Stderr io.WriteCloser

	// OnLine is called for every complete output line.
	OnLine func(stream Stream, line string)

	TailLines int
}

// Validate checks the fields required to spawn.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("command is required")
	}
	if s.WorkDir == "" {
		return errors.New("work dir is required")
	}
	return nil
}
