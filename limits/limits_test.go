package limits

import (
	"errors"
	"testing"
)

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name      string
		message   []byte
		maxSize   int
		wantErr   error
		checkWrap bool
	}{
		{name: "empty message", message: []byte{}, maxSize: 100, wantErr: ErrMessageEmpty},
		{name: "valid message within limit", message: make([]byte, 50), maxSize: 100, wantErr: nil},
		{name: "message at exact limit", message: make([]byte, 100), maxSize: 100, wantErr: nil},
		{name: "message exceeds limit", message: make([]byte, 101), maxSize: 100, wantErr: ErrMessageTooLarge, checkWrap: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.maxSize)
			if tt.checkWrap {
				if err == nil || !errors.Is(err, tt.wantErr) {
					t.Errorf("ValidateMessageSize() error = %v, should wrap %v", err, tt.wantErr)
				}
			} else if err != tt.wantErr {
				t.Errorf("ValidateMessageSize() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		wantErr   error
		checkWrap bool
	}{
		{name: "empty payload", payload: []byte{}, wantErr: ErrMessageEmpty},
		{name: "nil payload", payload: nil, wantErr: ErrMessageEmpty},
		{name: "valid chunk-size payload", payload: make([]byte, ChunkSize), wantErr: nil},
		{name: "valid max-size payload", payload: make([]byte, MaxProcessingBuffer), wantErr: nil},
		{name: "oversize payload", payload: make([]byte, MaxProcessingBuffer+1), wantErr: ErrMessageTooLarge, checkWrap: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFrame(tt.payload)
			if tt.checkWrap {
				if err == nil || !errors.Is(err, tt.wantErr) {
					t.Errorf("ValidateFrame() error = %v, should wrap %v", err, tt.wantErr)
				}
			} else if err != tt.wantErr {
				t.Errorf("ValidateFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathComponent(t *testing.T) {
	tooLong := make([]byte, MaxPathComponentChars+1)
	for i := range tooLong {
		tooLong[i] = 'a'
	}

	tests := []struct {
		name      string
		component string
		wantErr   bool
	}{
		{name: "empty", component: "", wantErr: true},
		{name: "dot", component: ".", wantErr: true},
		{name: "dot-dot", component: "..", wantErr: true},
		{name: "ordinary name", component: "report.pdf", wantErr: false},
		{name: "exactly at limit", component: string(tooLong[:MaxPathComponentChars]), wantErr: false},
		{name: "one over limit", component: string(tooLong), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathComponent(tt.component)
			if tt.wantErr && !errors.Is(err, ErrBadPath) {
				t.Errorf("ValidatePathComponent(%q) error = %v, want ErrBadPath", tt.component, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidatePathComponent(%q) unexpected error: %v", tt.component, err)
			}
		})
	}
}

func TestValidateRelativePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "simple file", path: "report.pdf", wantErr: false},
		{name: "nested path", path: "docs/2026/report.pdf", wantErr: false},
		{name: "empty", path: "", wantErr: true},
		{name: "traversal component", path: "docs/../secret", wantErr: true},
		{name: "traversal at start", path: "../secret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRelativePath(tt.path)
			if tt.wantErr && !errors.Is(err, ErrBadPath) {
				t.Errorf("ValidateRelativePath(%q) error = %v, want ErrBadPath", tt.path, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateRelativePath(%q) unexpected error: %v", tt.path, err)
			}
		})
	}
}

func TestConstantConsistency(t *testing.T) {
	if MaxProcessingBuffer <= ChunkSize {
		t.Errorf("MaxProcessingBuffer (%d) should be > ChunkSize (%d)", MaxProcessingBuffer, ChunkSize)
	}
	if DefaultChecksumEventsGranularity <= DefaultChecksumEventsSizeThreshold {
		t.Errorf("DefaultChecksumEventsGranularity (%d) should be > DefaultChecksumEventsSizeThreshold (%d)",
			DefaultChecksumEventsGranularity, DefaultChecksumEventsSizeThreshold)
	}
}

func BenchmarkValidateFrame(b *testing.B) {
	payload := make([]byte, ChunkSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ValidateFrame(payload)
	}
}

func BenchmarkValidateRelativePath(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ValidateRelativePath("docs/2026/report.pdf")
	}
}
