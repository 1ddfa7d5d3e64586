package executor

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/sirupsen/logrus"
)

type Executor struct {
	logger logrus.FieldLogger
}

// Execute runs command and returns its combined output split into lines.
// A failed command yields an *errdefs.BackendError carrying that output.
func (e *Executor) Execute(ctx context.Context, command string, args []string) ([]string, error) {
	e.logger.WithFields(logrus.Fields{
		"command": command,
		"args":    strings.Join(args, " "),
	}).Debug("running command")

	cmd := exec.CommandContext(ctx, command, args...)

	out, err := cmd.CombinedOutput()
	lines := splitLines(string(out))
	if err != nil {
		return lines, errdefs.Backendf(command+" "+strings.Join(args, " "), err, lines...)
	}

	return lines, nil
}

func New(logger logrus.FieldLogger) *Executor {
	return &Executor{logger: logger}
}

func splitLines(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}
