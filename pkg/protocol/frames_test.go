package protocol

import (
	"testing"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	valid := true
	in := &Frame{
		Type:            TypeWorkflowUpdate,
		CurrentNodeID:   "check_balance",
		NodeType:        "toolcall",
		NextNodes:       []string{"report", "fail"},
		ValidTransition: &valid,
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Type != TypeWorkflowUpdate || out.CurrentNodeID != "check_balance" {
		t.Errorf("round trip lost fields: %+v", out)
	}
	if out.ValidTransition == nil || !*out.ValidTransition {
		t.Error("validTransition not preserved")
	}
}

func TestUnmarshal_MissingType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"text":"hello"}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

func TestUnmarshal_InvalidJSON(t *testing.T) {
	if _, err := Unmarshal([]byte(`{nope`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestUnmarshal_HandoffRequest(t *testing.T) {
	data := []byte(`{
		"type": "handoff_request",
		"handoff": {
			"targetAgentId": "banking",
			"reason": "balance inquiry",
			"isReturn": false,
			"inheritedMemory": {"verified": true, "userIntent": "balance inquiry"}
		}
	}`)
	f, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.Type != TypeHandoffRequest {
		t.Fatalf("type = %q, want handoff_request", f.Type)
	}
	if f.Handoff == nil || f.Handoff.TargetAgentID != "banking" {
		t.Fatalf("handoff payload not decoded: %+v", f.Handoff)
	}
	if !f.Handoff.InheritedMemory.Verified {
		t.Error("inherited memory verified flag lost")
	}
}

func TestUnmarshal_MemoryPatchPointerFields(t *testing.T) {
	data := []byte(`{"type":"update_memory","memory":{"userIntent":"dispute a charge"}}`)
	f, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.Memory == nil {
		t.Fatal("memory patch missing")
	}
	if f.Memory.UserIntent == nil || *f.Memory.UserIntent != "dispute a charge" {
		t.Errorf("userIntent pointer = %v", f.Memory.UserIntent)
	}
	if f.Memory.TaskSummary != nil {
		t.Error("absent field should decode to nil pointer")
	}
}

func TestPadPCM(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		wantLen int
	}{
		{"empty", nil, 0},
		{"even", []byte{1, 2, 3, 4}, 4},
		{"odd", []byte{1, 2, 3}, 4},
		{"single byte", []byte{7}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PadPCM(tt.in)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if len(got)%2 != 0 {
				t.Error("padded payload has odd length")
			}
			if tt.wantLen > len(tt.in) && got[len(got)-1] != 0 {
				t.Error("padding byte is not zero")
			}
		})
	}
}

func TestMarshal_SessionInitCarriesMemorySnapshot(t *testing.T) {
	f := &Frame{
		Type:      TypeSessionInit,
		SessionID: "s1",
		TraceID:   "abc123",
		InheritedMemory: &types.SessionMemory{
			Verified:   true,
			UserIntent: "balance inquiry",
			VerifiedUser: &types.VerifiedUser{
				CustomerName: "Sarah",
				AccountID:    "12345678",
				SortCode:     "112233",
			},
		},
	}
	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	mem := out.InheritedMemory
	if mem == nil || !mem.Verified || mem.VerifiedUser == nil {
		t.Fatalf("memory snapshot lost: %+v", mem)
	}
	if mem.VerifiedUser.CustomerName != "Sarah" {
		t.Errorf("customer name = %q", mem.VerifiedUser.CustomerName)
	}
}
