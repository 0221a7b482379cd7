package nsproc_test

import (
	"testing"

	"github.com/wavecage/wavecage/internal/backend/nsproc"
	"github.com/wavecage/wavecage/sandbox"
)

func TestStageStringRoundTrip(t *testing.T) {
	stages := []nsproc.Stage{
		nsproc.StageCreated,
		nsproc.StageNamespaces,
		nsproc.StageLimits,
		nsproc.StageCapabilities,
		nsproc.StageFilter,
		nsproc.StageRunning,
		nsproc.StageTerminated,
	}
	for _, s := range stages {
		if got := nsproc.ParseStage(s.String()); got != s {
			t.Errorf("ParseStage(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := nsproc.ParseStage("warp_drive"); got != -1 {
		t.Errorf("ParseStage(unknown) = %v, want -1", got)
	}
}

func TestMachineAdvancesInOrder(t *testing.T) {
	var m nsproc.Machine
	order := []nsproc.Stage{
		nsproc.StageNamespaces,
		nsproc.StageLimits,
		nsproc.StageCapabilities,
		nsproc.StageFilter,
		nsproc.StageRunning,
	}
	for _, next := range order {
		if err := m.Advance(next); err != nil {
			t.Fatalf("Advance(%v): %v", next, err)
		}
		if m.Current() != next {
			t.Fatalf("Current() = %v, want %v", m.Current(), next)
		}
	}
}

func TestMachineRejectsSkippedStage(t *testing.T) {
	var m nsproc.Machine
	if err := m.Advance(nsproc.StageFilter); err == nil {
		t.Error("Advance should reject skipping ahead")
	}
	if err := m.Advance(nsproc.StageNamespaces); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := m.Advance(nsproc.StageNamespaces); err == nil {
		t.Error("Advance should reject re-entering the current stage")
	}
	if m.Current() != nsproc.StageNamespaces {
		t.Errorf("Current() = %v after rejected transitions, want StageNamespaces", m.Current())
	}
}

func TestMachineTerminatesFromAnywhere(t *testing.T) {
	var m nsproc.Machine
	if err := m.Advance(nsproc.StageTerminated); err != nil {
		t.Fatalf("Advance(Terminated) from created: %v", err)
	}

	m = nsproc.Machine{}
	_ = m.Advance(nsproc.StageNamespaces)
	_ = m.Advance(nsproc.StageLimits)
	if err := m.Advance(nsproc.StageTerminated); err != nil {
		t.Fatalf("Advance(Terminated) mid-setup: %v", err)
	}
}

func TestKindForStage(t *testing.T) {
	tests := []struct {
		stage nsproc.Stage
		want  sandbox.Kind
	}{
		{nsproc.StageNamespaces, sandbox.KindNamespace},
		{nsproc.StageLimits, sandbox.KindMemory},
		{nsproc.StageCapabilities, sandbox.KindCapability},
		{nsproc.StageFilter, sandbox.KindSeccomp},
		{nsproc.StageRunning, sandbox.KindIo},
		{nsproc.StageCreated, sandbox.KindIPC},
	}
	for _, tt := range tests {
		if got := nsproc.KindForStage(tt.stage); got != tt.want {
			t.Errorf("KindForStage(%v) = %v, want %v", tt.stage, got, tt.want)
		}
	}
}
