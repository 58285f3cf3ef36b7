package drop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/drop/transfer"
)

func TestChecksumHooksBelowThresholdAreNoOps(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.ChecksumEventsSizeThreshold = 1024

	start, onProgress, finish := e.checksumHooks(
		transfer.KindVerifyChecksumStarted, transfer.KindVerifyChecksumProgress, transfer.KindVerifyChecksumFinished,
		"t1", "file-a", 100,
	)
	require.NotNil(t, start)
	require.NotNil(t, finish)
	assert.Nil(t, onProgress)

	// Must be safe to call without panicking or emitting anything.
	start()
	finish()
}

func TestChecksumHooksAtOrAboveThresholdEmitEvents(t *testing.T) {
	e, sink := newTestEngine(t)
	e.cfg.ChecksumEventsSizeThreshold = 1024

	start, onProgress, finish := e.checksumHooks(
		transfer.KindVerifyChecksumStarted, transfer.KindVerifyChecksumProgress, transfer.KindVerifyChecksumFinished,
		"t1", "file-a", 4096,
	)
	require.NotNil(t, onProgress)

	start()
	onProgress(1024)
	finish()
	e.dispatcher.Close() // blocks until the queued events above are delivered

	kinds := make([]transfer.Kind, 0)
	for _, ev := range sink.snapshot() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, transfer.KindVerifyChecksumStarted)
	assert.Contains(t, kinds, transfer.KindVerifyChecksumProgress)
	assert.Contains(t, kinds, transfer.KindVerifyChecksumFinished)
}
