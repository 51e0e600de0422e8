package bridge

import "sync"

// RecordingLeg selects one of the two capture directions.
type RecordingLeg int

const (
	LegCaller RecordingLeg = iota
	LegAssistant
)

// Recording accumulates raw decoded audio chunks per direction, in arrival
// order, while recording is enabled for the call. Chunks are opaque encoded
// payloads; the bridge never mixes, re-encodes, or persists them. Export
// happens through Snapshot/Bytes, read by a collaborator after the call.
type Recording struct {
	enabled bool

	mu        sync.Mutex
	caller    [][]byte
	assistant [][]byte
}

func NewRecording(enabled bool) *Recording {
	return &Recording{enabled: enabled}
}

func (r *Recording) Enabled() bool {
	return r.enabled
}

// Append stores a copy of chunk on the given leg. A no-op when recording is
// disabled or the chunk is empty.
func (r *Recording) Append(leg RecordingLeg, chunk []byte) {
	if !r.enabled || len(chunk) == 0 {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch leg {
	case LegCaller:
		r.caller = append(r.caller, cp)
	case LegAssistant:
		r.assistant = append(r.assistant, cp)
	}
}

// Snapshot returns defensive copies of the chunks captured on one leg.
func (r *Recording) Snapshot(leg RecordingLeg) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.caller
	if leg == LegAssistant {
		src = r.assistant
	}
	out := make([][]byte, len(src))
	for i, chunk := range src {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		out[i] = cp
	}
	return out
}

// Bytes concatenates one leg's chunks in capture order.
func (r *Recording) Bytes(leg RecordingLeg) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.caller
	if leg == LegAssistant {
		src = r.assistant
	}
	var n int
	for _, chunk := range src {
		n += len(chunk)
	}
	out := make([]byte, 0, n)
	for _, chunk := range src {
		out = append(out, chunk...)
	}
	return out
}

// Len reports the number of chunks captured on one leg.
func (r *Recording) Len(leg RecordingLeg) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if leg == LegAssistant {
		return len(r.assistant)
	}
	return len(r.caller)
}
