package deploy

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitedeploy/internal/site"
)

// CommandRunner runs remote commands and recovers from command-endpoint
// timeouts by polling for a completion file.
type CommandRunner struct {
	client site.Client
	poller *Poller
}

func NewCommandRunner(client site.Client, poller *Poller) *CommandRunner {
	return &CommandRunner{client: client, poller: poller}
}

// Run executes command in dir. When the command endpoint times out and
// timeoutMinutes is positive, it waits for pollFile to appear instead.
func (r *CommandRunner) Run(ctx context.Context, dir, command string, timeoutMinutes float64, pollFile string) error {
	err := r.client.RunCommand(ctx, dir, command)
	if err == nil {
		return nil
	}
	if timeoutMinutes > 0 && site.IsCommandTimeout(err) {
		log.Debug().Str("file", pollFile).Msg("command request timed out, polling for result")
		return r.poller.WaitForFile(ctx, dir, pollFile, timeoutMinutes)
	}
	var se *site.StatusError
	if errors.As(err, &se) {
		return &TransportError{StatusCode: se.StatusCode, StatusMessage: se.StatusMessage, Err: err}
	}
	return err
}
