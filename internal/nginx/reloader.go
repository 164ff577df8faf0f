package nginx

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yniverz/edgeplane/internal/certs"
)

// Reloader signals the reverse-proxy process to pick up a new configuration.
type Reloader struct {
	command []string
	runner  certs.CommandRunner
	log     *logrus.Entry
}

// NewReloader parses command, a shell-less string such as "nginx -s reload".
func NewReloader(command string, runner certs.CommandRunner, log *logrus.Entry) *Reloader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if runner == nil {
		runner = certs.ExecRunner{}
	}
	return &Reloader{command: strings.Fields(command), runner: runner, log: log}
}

// Reload runs the configured command. An empty command is a no-op.
func (r *Reloader) Reload(ctx context.Context) error {
	if len(r.command) == 0 {
		return nil
	}
	_, stderr, err := r.runner.Run(ctx, r.command[0], r.command[1:]...)
	if err != nil {
		return fmt.Errorf("reload %q: %w: %s", strings.Join(r.command, " "), err, strings.TrimSpace(stderr))
	}
	r.log.WithField("command", strings.Join(r.command, " ")).Info("reverse-proxy reloaded")
	return nil
}
