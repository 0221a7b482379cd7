// Package callproto defines the host/worker invocation protocol shared by
// the namespace, container, and VM backends. A worker process (or the VM
// guest agent fronting one) reads CallRequest frames and answers with
// Message envelopes; frames are length-prefixed JSON.
package callproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB). Waveform
// sample buffers above this must be chunked by the caller.
const MaxFrameSize = 16 << 20

// CallRequest asks the worker to invoke one exported function.
type CallRequest struct {
	Function  string `json:"function"`
	Args      []byte `json:"args,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// CallResponse is the terminal answer for one CallRequest.
type CallResponse struct {
	Output []byte `json:"output,omitempty"`

	// Error is non-empty when the call failed inside the worker.
	Error string `json:"error,omitempty"`

	// ErrorKind optionally carries the sandbox error classification name
	// (e.g. "resource_exhausted") so the host can re-raise it untouched.
	ErrorKind string `json:"error_kind,omitempty"`

	ElapsedUS    int64  `json:"elapsed_us"`
	PeakRSSBytes uint64 `json:"peak_rss_bytes,omitempty"`
}

// Worker→host message types.
const (
	// MsgTypeStage reports a setup stage transition before the worker
	// starts executing untrusted code.
	MsgTypeStage = "stage"

	// MsgTypeReady signals that all setup stages completed and the
	// worker accepts CallRequest frames.
	MsgTypeReady = "ready"

	// MsgTypeLog carries one diagnostic line emitted during execution.
	MsgTypeLog = "log"

	// MsgTypeResult terminates a call with its CallResponse.
	MsgTypeResult = "result"
)

// Message is the envelope for all worker→host frames.
type Message struct {
	Type string `json:"type"`

	// Stage is set for MsgTypeStage; Err is additionally set when that
	// stage failed and the worker is aborting.
	Stage string `json:"stage,omitempty"`
	Err   string `json:"err,omitempty"`

	// Line is set for MsgTypeLog.
	Line string `json:"line,omitempty"`

	// Response is set for MsgTypeResult.
	Response *CallResponse `json:"response,omitempty"`
}

// WriteFrame writes a length-prefixed JSON frame to w.
// The frame format is: 4-byte big-endian length prefix followed by the
// JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if length > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadFrame reads a length-prefixed JSON frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}

	return nil
}

// ReadResult reads Message frames from r until a result arrives. Log
// lines are delivered to logLine in order; stage messages before a result
// indicate a worker aborting mid-setup and are returned as errors.
func ReadResult(r io.Reader, logLine func(string)) (CallResponse, error) {
	for {
		var msg Message
		if err := ReadFrame(r, &msg); err != nil {
			return CallResponse{}, fmt.Errorf("read worker message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if logLine != nil {
				logLine(msg.Line)
			}
		case MsgTypeStage:
			if msg.Err != "" {
				return CallResponse{}, fmt.Errorf("worker failed at stage %s: %s", msg.Stage, msg.Err)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return CallResponse{}, fmt.Errorf("result message with nil response")
			}
			return *msg.Response, nil
		default:
			return CallResponse{}, fmt.Errorf("unknown message type %q", msg.Type)
		}
	}
}
