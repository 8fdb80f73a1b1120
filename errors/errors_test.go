package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityClassification(t *testing.T) {
	blocked := Blockedf("no boot interface with mac_addr")
	failed := Failedf("content mismatch after transfer")
	infra := Infraf("timeout waiting for menu")

	assert.True(t, IsBlocked(blocked))
	assert.False(t, IsBlocked(failed))
	assert.True(t, IsFailed(failed))
	assert.False(t, IsRecoverable(blocked))
	assert.False(t, IsRecoverable(failed))
	assert.True(t, IsRecoverable(infra))
}

func TestUnrecoverableEscalation(t *testing.T) {
	err := Infraf("console desync")
	require.True(t, IsRecoverable(err))
	err.Unrecoverable()
	assert.False(t, IsRecoverable(err))
	// Still an infra error, just no longer retryable.
	assert.Equal(t, SeverityInfra, err.Severity)
}

func TestWithOpWrapping(t *testing.T) {
	err := WithOp(Infraf("no highlight found"), "BIOS:top/Boot Manager Menu")
	var e *Error
	require.True(t, As(err, &e))
	assert.Equal(t, "BIOS:top/Boot Manager Menu", e.Op)
	assert.Contains(t, err.Error(), "error: BIOS:top/Boot Manager Menu: no highlight found")

	// Ops stack outermost-first.
	err = WithOp(err, "deploy")
	require.True(t, As(err, &e))
	assert.Equal(t, "deploy: BIOS:top/Boot Manager Menu", e.Op)
}

func TestWithOpForeignError(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := WithOp(cause, "rsync")
	var e *Error
	require.True(t, As(err, &e))
	assert.Equal(t, SeverityInfra, e.Severity)
	assert.False(t, IsRecoverable(err))
	assert.ErrorIs(t, err, cause)
}

func TestAttachments(t *testing.T) {
	err := Infraf("scrolled through all entries").
		WithAttachment("console output", "...backlog...").
		WithAttachment("attempts", "4")
	assert.Equal(t, "attempts: 4\nconsole output: ...backlog...\n", err.AttachmentsString())
}

func TestIsMatchesSeverity(t *testing.T) {
	err := WithOp(Blockedf("image not found"), "select")
	assert.True(t, Is(err, &Error{Severity: SeverityBlocked}))
	assert.False(t, Is(err, &Error{Severity: SeverityInfra}))
}
