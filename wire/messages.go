// Package wire defines the control-message and binary-frame formats
// exchanged between two engines over a connection: JSON text messages for
// requests, acknowledgements, and checksums, and length-prefixed binary
// frames for file payload. See UpgradePath for the WebSocket upgrade path
// both sides dial.
package wire

import (
	"encoding/json"
	"fmt"
)

// UpgradePath is the WebSocket upgrade path a Connection dials; versioned
// so future wire-incompatible revisions can run side by side.
const UpgradePath = "/drop/v6"

// Kind discriminates the JSON control messages carried over the text frames
// of the WebSocket connection.
type Kind string

const (
	KindTransferRequest Kind = "TransferRequest"
	KindTransferReject  Kind = "TransferReject"
	KindTransferCancel  Kind = "TransferCancel"
	KindFileRequest     Kind = "FileRequest"
	KindFileReject      Kind = "FileReject"
	KindFileCancel      Kind = "FileCancel"
	KindFileProgress    Kind = "FileProgress"
	KindFileDone        Kind = "FileDone"
	KindFileError       Kind = "FileError"
	KindPing            Kind = "Ping"
	KindPong            Kind = "Pong"
	KindReportChecksum  Kind = "ReportChecksum"
)

// Envelope wraps every control message with its Kind so the receiving side
// can dispatch before unmarshalling the payload-specific fields.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// FileManifestEntry describes one path within a TransferRequest. Digest is
// the sender's full-content SHA-256 (hex), carried so the receiver's final
// verification (spec section 4.2) compares against the sender's actual file
// content rather than FileID, which is a hash of the sender's absolute path
// and therefore useless as a content digest.
type FileManifestEntry struct {
	FileID string `json:"file_id"`
	Path   string `json:"path"`
	Size   uint64 `json:"size"`
	Digest string `json:"digest"`
}

// TransferRequest announces a new incoming transfer and its file manifest.
type TransferRequest struct {
	ID    string              `json:"id"`
	Files []FileManifestEntry `json:"files"`
}

// TransferReject tells the peer the whole transfer was refused before any
// file request was issued.
type TransferReject struct {
	ID string `json:"id"`
}

// TransferCancel tells the peer to abandon every path of a transfer still
// in flight.
type TransferCancel struct {
	ID string `json:"id"`
}

// FileRequest asks the sender to begin or resume streaming one path,
// optionally starting from a verified resume offset.
type FileRequest struct {
	TransferID    string `json:"tid"`
	FileID        string `json:"fid"`
	Offset        uint64 `json:"offset"`
	VerifyDigest  bool   `json:"verify_digest,omitempty"`
}

// FileReject refuses a single path within a transfer.
type FileReject struct {
	TransferID string `json:"tid"`
	FileID     string `json:"fid"`
}

// FileCancel abandons a single in-flight path.
type FileCancel struct {
	TransferID string `json:"tid"`
	FileID     string `json:"fid"`
}

// FileProgress is the receiver's acknowledgement of bytes accepted so far
// for one path.
type FileProgress struct {
	TransferID string `json:"tid"`
	FileID     string `json:"fid"`
	Offset     uint64 `json:"offset"`
}

// FileDone marks a path fully and successfully transferred.
type FileDone struct {
	TransferID string `json:"tid"`
	FileID     string `json:"fid"`
}

// FileError reports a named failure for one path.
type FileError struct {
	TransferID string `json:"tid"`
	FileID     string `json:"fid"`
	Status     string `json:"status"`
}

// Ping is a keepalive request; Pong must answer with the same timestamp.
type Ping struct {
	Timestamp int64 `json:"ts"`
}

// Pong answers a Ping.
type Pong struct {
	Timestamp int64 `json:"ts"`
}

// ReportChecksum carries the receiver's running SHA-256 over its current
// partial bytes, used by the resume digest protocol to verify alignment
// before the sender resumes streaming.
type ReportChecksum struct {
	TransferID   string `json:"tid"`
	FileID       string `json:"fid"`
	DigestPrefix string `json:"digest_prefix"`
}

// Encode wraps a typed payload in an Envelope and marshals it to JSON.
func Encode(kind Kind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Payload: raw})
}

// DecodeEnvelope unmarshals only the Kind/Payload wrapper, leaving the
// caller to unmarshal Payload into the type matching Kind.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals an Envelope's Payload into out.
func DecodePayload(env Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	return nil
}
