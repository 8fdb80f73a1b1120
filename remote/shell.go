package remote

import (
	"bytes"
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/posfw/posfw/errors"
)

// Shell runs commands on the remote machine, one SSH session per
// command so a wedged command cannot poison the next one.
type Shell struct {
	client *Client
}

// Run executes cmd and returns its combined output. The ssh package has
// no context support, so cancellation closes the session out from under
// the command; the remote side gets a SIGHUP from the closing pty.
func (s *Shell) Run(ctx context.Context, cmd string) (string, error) {
	session, err := s.client.conn.NewSession()
	if err != nil {
		return "", errors.Infraf("ssh session: %v", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return output.String(), errors.WithOp(ctx.Err(), cmd)
	case err = <-done:
	}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return output.String(), errors.Infraf(
				"%s: exited %d", cmd, exitErr.ExitStatus()).
				WithAttachment("output", output.String())
		}
		return output.String(), errors.Infraf("%s: %v", cmd, err)
	}
	return output.String(), nil
}
