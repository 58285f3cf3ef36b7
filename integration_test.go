package drop

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/drop/fileio"
	"github.com/opd-ai/drop/storage"
)

// reserveLoopbackAddr hands back a free loopback address by binding then
// immediately releasing it, so a receiving Engine can be told to listen on
// that exact address before the test dials it.
func reserveLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// newLinkedEngines starts a receiving Engine listening on a loopback
// address and a dial-only sending Engine whose KeyStore already knows the
// receiver's public key, mirroring how a host's out-of-band peer
// introduction (spec section 1's out-of-scope collaborator) would work.
func newLinkedEngines(t *testing.T) (sender, receiver *Engine, senderSink, receiverSink *recordingSink, receiverAddr string) {
	t.Helper()
	ctx := context.Background()

	receiverAddr = reserveLoopbackAddr(t)
	receiverKeys := newFakeKeyStore(t)
	receiverSink = &recordingSink{}
	receiverCfg := DefaultConfig()
	receiverCfg.StoragePath = filepath.Join(t.TempDir(), "receiver.db")
	receiverCfg.NonceStoreDir = t.TempDir()
	receiverCfg.ListenAddr = receiverAddr

	var err error
	receiver, err = New(receiverCfg, receiverKeys, receiverSink)
	require.NoError(t, err)
	require.NoError(t, receiver.Start(ctx))

	senderKeys := newFakeKeyStore(t)
	senderKeys.peers = map[string][32]byte{receiverAddr: receiverKeys.kp.Public}
	senderSink = &recordingSink{}
	senderCfg := DefaultConfig()
	senderCfg.StoragePath = filepath.Join(t.TempDir(), "sender.db")
	senderCfg.NonceStoreDir = t.TempDir()
	senderCfg.ListenAddr = ""

	sender, err = New(senderCfg, senderKeys, senderSink)
	require.NoError(t, err)
	require.NoError(t, sender.Start(ctx))

	t.Cleanup(func() {
		sender.Stop(ctx)
		receiver.Stop(ctx)
	})
	return sender, receiver, senderSink, receiverSink, receiverAddr
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "condition was not met before timeout")
}

// TestSmallFileHappyPath exercises spec section 8's first restart-
// consistency scenario absent the restart: sender offers one small file,
// receiver accepts it, and the bytes land intact at the chosen destination.
func TestSmallFileHappyPath(t *testing.T) {
	sender, receiver, _, _, receiverAddr := newLinkedEngines(t)
	ctx := context.Background()

	content := []byte("the quick brown fox jumps over the lazy dog")
	srcPath := filepath.Join(t.TempDir(), "greeting.txt")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	src := fileio.Source{Kind: fileio.SourceDisk, DiskPath: srcPath}
	fileID := fileio.FileID(sourceIdentity(src))

	transferID, err := sender.NewTransfer(ctx, receiverAddr, []OutgoingFile{
		{Source: src, RelativePath: "greeting.txt", Size: uint64(len(content))},
	})
	require.NoError(t, err)
	require.NotEmpty(t, transferID)

	waitForCondition(t, 5*time.Second, func() bool {
		return receiver.lookupTransfer(transferID) != nil
	})

	destDir := t.TempDir()
	require.NoError(t, receiver.DownloadFile(ctx, transferID, fileID, destDir))

	finalPath := filepath.Join(destDir, "greeting.txt")
	waitForCondition(t, 5*time.Second, func() bool {
		_, err := os.Stat(finalPath)
		return err == nil
	})

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Equal(t, content, got)

	waitForCondition(t, 5*time.Second, func() bool {
		p := receiver.lookupTransfer(transferID).Path(fileID)
		return p != nil && p.LatestPhase().Terminal()
	})
}

// TestRejectFileMidFlightStopsSender confirms a rejected path tells the
// sender's outgoing pump to stop rather than silently finishing (spec
// section 8's reject-mid-flight scenario).
func TestRejectFileMidFlightStopsSender(t *testing.T) {
	sender, receiver, _, _, receiverAddr := newLinkedEngines(t)
	ctx := context.Background()

	content := []byte("reject me before i finish streaming")
	srcPath := filepath.Join(t.TempDir(), "unwanted.txt")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	src := fileio.Source{Kind: fileio.SourceDisk, DiskPath: srcPath}
	fileID := fileio.FileID(sourceIdentity(src))

	transferID, err := sender.NewTransfer(ctx, receiverAddr, []OutgoingFile{
		{Source: src, RelativePath: "unwanted.txt", Size: uint64(len(content))},
	})
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		return receiver.lookupTransfer(transferID) != nil
	})

	require.NoError(t, receiver.RejectFile(ctx, transferID, fileID))

	waitForCondition(t, 5*time.Second, func() bool {
		p := receiver.lookupTransfer(transferID).Path(fileID)
		return p != nil && p.LatestPhase() == storage.PhaseReject
	})

	waitForCondition(t, 5*time.Second, func() bool {
		p := sender.lookupTransfer(transferID).Path(fileID)
		return p != nil && p.LatestPhase() == storage.PhaseReject
	})
}

// TestModifiedSourceDuringUploadFailsTransfer confirms a source file whose
// size changes out from under the sender between announcing the transfer
// and streaming it is caught rather than silently delivering stale or
// truncated bytes (spec section 8's modification-during-upload scenario).
func TestModifiedSourceDuringUploadFailsTransfer(t *testing.T) {
	sender, receiver, _, _, receiverAddr := newLinkedEngines(t)
	ctx := context.Background()

	original := []byte("original content, about to change size")
	srcPath := filepath.Join(t.TempDir(), "shifting.txt")
	require.NoError(t, os.WriteFile(srcPath, original, 0o644))

	src := fileio.Source{Kind: fileio.SourceDisk, DiskPath: srcPath}
	fileID := fileio.FileID(sourceIdentity(src))

	transferID, err := sender.NewTransfer(ctx, receiverAddr, []OutgoingFile{
		{Source: src, RelativePath: "shifting.txt", Size: uint64(len(original))},
	})
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		return receiver.lookupTransfer(transferID) != nil
	})

	// Grow the file in place: the sender's declared size in the manifest
	// no longer matches what it will find on disk once streaming starts.
	require.NoError(t, os.WriteFile(srcPath, append(original, []byte(" plus extra bytes")...), 0o644))

	destDir := t.TempDir()
	require.NoError(t, receiver.DownloadFile(ctx, transferID, fileID, destDir))

	waitForCondition(t, 5*time.Second, func() bool {
		p := sender.lookupTransfer(transferID).Path(fileID)
		return p != nil && p.LatestPhase() == storage.PhaseFailed
	})
	waitForCondition(t, 5*time.Second, func() bool {
		p := receiver.lookupTransfer(transferID).Path(fileID)
		return p != nil && p.LatestPhase() == storage.PhaseFailed
	})

	_, statErr := os.Stat(filepath.Join(destDir, "shifting.txt"))
	require.True(t, os.IsNotExist(statErr))
}

// TestResumeDownloadVerifiesPrefixAndCompletes simulates a receiver
// restarting mid-download: a partial file already sits at the working path
// before DownloadFile is called, so the resume digest protocol must hash
// that prefix, have the sender verify it matches, and stream only the
// remaining bytes to produce an intact final file.
func TestResumeDownloadVerifiesPrefixAndCompletes(t *testing.T) {
	sender, receiver, _, _, receiverAddr := newLinkedEngines(t)
	ctx := context.Background()

	content := []byte("resume protocol exercise: the bytes before the break, and the bytes after it")
	srcPath := filepath.Join(t.TempDir(), "resumable.txt")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	src := fileio.Source{Kind: fileio.SourceDisk, DiskPath: srcPath}
	fileID := fileio.FileID(sourceIdentity(src))

	transferID, err := sender.NewTransfer(ctx, receiverAddr, []OutgoingFile{
		{Source: src, RelativePath: "resumable.txt", Size: uint64(len(content))},
	})
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		return receiver.lookupTransfer(transferID) != nil
	})

	// Seed a partial file at the exact path DownloadFile will open, as if a
	// previous process had already written the first half before exiting.
	splitAt := len(content) / 2
	workingPath := receiver.workingPathFor(transferID, fileID)
	require.NoError(t, os.MkdirAll(filepath.Dir(workingPath), 0o755))
	require.NoError(t, os.WriteFile(workingPath, content[:splitAt], 0o644))

	destDir := t.TempDir()
	require.NoError(t, receiver.DownloadFile(ctx, transferID, fileID, destDir))

	finalPath := filepath.Join(destDir, "resumable.txt")
	waitForCondition(t, 5*time.Second, func() bool {
		_, err := os.Stat(finalPath)
		return err == nil
	})

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Equal(t, content, got)

	waitForCondition(t, 5*time.Second, func() bool {
		p := receiver.lookupTransfer(transferID).Path(fileID)
		return p != nil && p.LatestPhase().Terminal()
	})
}

// TestResumeDigestMismatchRestartsFromZero confirms a partial file whose
// prefix no longer matches the sender's source (e.g. corrupted on disk) is
// discarded and re-requested from offset zero rather than the path being
// dropped into a terminal failure.
func TestResumeDigestMismatchRestartsFromZero(t *testing.T) {
	sender, receiver, _, _, receiverAddr := newLinkedEngines(t)
	ctx := context.Background()

	content := []byte("resume protocol exercise with a prefix that will not match on disk")
	srcPath := filepath.Join(t.TempDir(), "mismatched.txt")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	src := fileio.Source{Kind: fileio.SourceDisk, DiskPath: srcPath}
	fileID := fileio.FileID(sourceIdentity(src))

	transferID, err := sender.NewTransfer(ctx, receiverAddr, []OutgoingFile{
		{Source: src, RelativePath: "mismatched.txt", Size: uint64(len(content))},
	})
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		return receiver.lookupTransfer(transferID) != nil
	})

	// Seed a partial file whose bytes diverge from the sender's source, as
	// if the previous write had been corrupted.
	corrupted := make([]byte, len(content)/2)
	copy(corrupted, content[:len(corrupted)])
	corrupted[0] ^= 0xff
	workingPath := receiver.workingPathFor(transferID, fileID)
	require.NoError(t, os.MkdirAll(filepath.Dir(workingPath), 0o755))
	require.NoError(t, os.WriteFile(workingPath, corrupted, 0o644))

	destDir := t.TempDir()
	require.NoError(t, receiver.DownloadFile(ctx, transferID, fileID, destDir))

	finalPath := filepath.Join(destDir, "mismatched.txt")
	waitForCondition(t, 5*time.Second, func() bool {
		_, err := os.Stat(finalPath)
		return err == nil
	})

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Equal(t, content, got)

	waitForCondition(t, 5*time.Second, func() bool {
		p := receiver.lookupTransfer(transferID).Path(fileID)
		return p != nil && p.LatestPhase() == storage.PhaseCompleted
	})
}

// TestDuplicateFilenameGetsConflictSuffix confirms two paths completing
// into the same destination directory under the same relative name do not
// clobber each other (spec section 8's duplicate-filename scenario).
func TestDuplicateFilenameGetsConflictSuffix(t *testing.T) {
	sender, receiver, _, _, receiverAddr := newLinkedEngines(t)
	ctx := context.Background()

	firstContent := []byte("first file's content")
	secondContent := []byte("second file's content, different bytes")
	firstSrcPath := filepath.Join(t.TempDir(), "a.txt")
	secondSrcPath := filepath.Join(t.TempDir(), "b.txt")
	require.NoError(t, os.WriteFile(firstSrcPath, firstContent, 0o644))
	require.NoError(t, os.WriteFile(secondSrcPath, secondContent, 0o644))

	firstSrc := fileio.Source{Kind: fileio.SourceDisk, DiskPath: firstSrcPath}
	secondSrc := fileio.Source{Kind: fileio.SourceDisk, DiskPath: secondSrcPath}
	firstFileID := fileio.FileID(sourceIdentity(firstSrc))
	secondFileID := fileio.FileID(sourceIdentity(secondSrc))

	transferID, err := sender.NewTransfer(ctx, receiverAddr, []OutgoingFile{
		{Source: firstSrc, RelativePath: "same-name.txt", Size: uint64(len(firstContent))},
		{Source: secondSrc, RelativePath: "same-name.txt", Size: uint64(len(secondContent))},
	})
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		return receiver.lookupTransfer(transferID) != nil
	})

	destDir := t.TempDir()
	require.NoError(t, receiver.DownloadFile(ctx, transferID, firstFileID, destDir))
	waitForCondition(t, 5*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(destDir, "same-name.txt"))
		return err == nil
	})

	require.NoError(t, receiver.DownloadFile(ctx, transferID, secondFileID, destDir))
	waitForCondition(t, 5*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(destDir, "same-name (1).txt"))
		return err == nil
	})

	got1, err := os.ReadFile(filepath.Join(destDir, "same-name.txt"))
	require.NoError(t, err)
	require.Equal(t, firstContent, got1)

	got2, err := os.ReadFile(filepath.Join(destDir, "same-name (1).txt"))
	require.NoError(t, err)
	require.Equal(t, secondContent, got2)
}
