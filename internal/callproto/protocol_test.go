package callproto_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/wavecage/wavecage/internal/callproto"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := callproto.CallRequest{
		Function:  "modulate",
		Args:      []byte{0x01, 0x02, 0x03},
		TimeoutMS: 2500,
	}

	if err := callproto.WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got callproto.CallRequest
	if err := callproto.ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Function != req.Function {
		t.Errorf("Function = %q, want %q", got.Function, req.Function)
	}
	if !bytes.Equal(got.Args, req.Args) {
		t.Errorf("Args = %v, want %v", got.Args, req.Args)
	}
	if got.TimeoutMS != req.TimeoutMS {
		t.Errorf("TimeoutMS = %d, want %d", got.TimeoutMS, req.TimeoutMS)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(callproto.MaxFrameSize+1)); err != nil {
		t.Fatal(err)
	}

	var msg callproto.Message
	err := callproto.ReadFrame(&buf, &msg)
	if err == nil {
		t.Fatal("ReadFrame accepted an oversize frame")
	}
	if !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("error = %v, want size rejection", err)
	}
}

func TestReadResultDeliversLogsThenResult(t *testing.T) {
	var buf bytes.Buffer
	frames := []callproto.Message{
		{Type: callproto.MsgTypeLog, Line: "first"},
		{Type: callproto.MsgTypeLog, Line: "second"},
		{Type: callproto.MsgTypeResult, Response: &callproto.CallResponse{
			Output:    []byte("ok"),
			ElapsedUS: 42,
		}},
	}
	for _, f := range frames {
		if err := callproto.WriteFrame(&buf, f); err != nil {
			t.Fatal(err)
		}
	}

	var lines []string
	resp, err := callproto.ReadResult(&buf, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if string(resp.Output) != "ok" || resp.ElapsedUS != 42 {
		t.Errorf("response = %+v, want output ok elapsed 42", resp)
	}
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Errorf("log lines = %v, want [first second]", lines)
	}
}

func TestReadResultStageFailure(t *testing.T) {
	var buf bytes.Buffer
	msg := callproto.Message{
		Type:  callproto.MsgTypeStage,
		Stage: "filter_installed",
		Err:   "seccomp load failed",
	}
	if err := callproto.WriteFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}

	_, err := callproto.ReadResult(&buf, nil)
	if err == nil {
		t.Fatal("ReadResult should fail on a stage error")
	}
	if !strings.Contains(err.Error(), "filter_installed") || !strings.Contains(err.Error(), "seccomp load failed") {
		t.Errorf("error = %v, want stage and reason", err)
	}
}

func TestReadResultHealthyStagesPassThrough(t *testing.T) {
	var buf bytes.Buffer
	frames := []callproto.Message{
		{Type: callproto.MsgTypeStage, Stage: "namespaces_entered"},
		{Type: callproto.MsgTypeResult, Response: &callproto.CallResponse{Output: []byte("x")}},
	}
	for _, f := range frames {
		if err := callproto.WriteFrame(&buf, f); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := callproto.ReadResult(&buf, nil)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if string(resp.Output) != "x" {
		t.Errorf("Output = %q, want x", resp.Output)
	}
}

func TestReadResultRejectsNilResponse(t *testing.T) {
	var buf bytes.Buffer
	if err := callproto.WriteFrame(&buf, callproto.Message{Type: callproto.MsgTypeResult}); err != nil {
		t.Fatal(err)
	}
	if _, err := callproto.ReadResult(&buf, nil); err == nil {
		t.Fatal("ReadResult should reject a result frame with no response")
	}
}

func TestReadResultUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := callproto.WriteFrame(&buf, callproto.Message{Type: "mystery"}); err != nil {
		t.Fatal(err)
	}
	if _, err := callproto.ReadResult(&buf, nil); err == nil {
		t.Fatal("ReadResult should reject an unknown message type")
	}
}
