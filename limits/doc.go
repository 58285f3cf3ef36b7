// Package limits provides centralized size constants and path validation for
// the transfer engine: the fixed chunk size used by FileIO and the wire
// protocol, checksum-event thresholds, and the path-component rules that
// produce BadPath.
//
// # Chunk size
//
// ChunkSize (256 KiB) is the fixed payload size of every binary wire frame.
// ProgressNotifyThreshold throttles how often FileProgress events reach the
// host, independent of how chunks happen to coalesce on the wire.
//
// # Path validation
//
//	if err := limits.ValidateRelativePath(relPath); err != nil {
//	    // fails synchronously with ErrBadPath; no transfer row is created
//	}
//
// # Checksum event thresholds
//
// DefaultChecksumEventsSizeThreshold and DefaultChecksumEventsGranularity
// control when FinalizeChecksumStarted/Progress/Finished and
// VerifyChecksumStarted/Progress/Finished events fire: below the
// threshold, verification is fast enough that granular progress is noise.
package limits
