package memory_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/voiceswitch/voiceswitch/internal/memory"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

func strptr(s string) *string { return &s }

func TestGet_UnknownSession(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	if _, err := s.Get("nope"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("Get unknown = %v; want ErrNotFound", err)
	}
}

func TestCreate_InitialisesOwningAgent(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")

	mem, err := s.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mem.CurrentAgentID != "routing" {
		t.Errorf("currentAgentId = %q; want routing", mem.CurrentAgentID)
	}
	if mem.Verified || mem.UserIntent != "" {
		t.Errorf("new memory should be empty: %+v", mem)
	}
}

func TestApplyPatch_VerifiedUserSetsVerified(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "idv")

	err := s.ApplyPatch("s1", &types.MemoryPatch{
		VerifiedUser: &types.VerifiedUser{CustomerName: "Sarah", AccountID: "12345678", SortCode: "112233"},
	}, false)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	mem, _ := s.Get("s1")
	if !mem.Verified {
		t.Error("verified should be true after verifiedUser set")
	}
	if mem.VerifiedUser == nil || mem.VerifiedUser.CustomerName != "Sarah" {
		t.Errorf("verifiedUser = %+v", mem.VerifiedUser)
	}
	if mem.VerifiedUser.VerifiedAt.IsZero() {
		t.Error("verifiedAt should be stamped when absent")
	}
}

func TestApplyPatch_EmptyVerifiedUserClearsBoth(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "idv")
	_ = s.ApplyPatch("s1", &types.MemoryPatch{
		VerifiedUser: &types.VerifiedUser{CustomerName: "Sarah", AccountID: "1", SortCode: "2"},
	}, false)

	if err := s.ApplyPatch("s1", &types.MemoryPatch{VerifiedUser: &types.VerifiedUser{}}, false); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	mem, _ := s.Get("s1")
	if mem.Verified || mem.VerifiedUser != nil {
		t.Errorf("both fields should be cleared: %+v", mem)
	}
}

func TestApplyPatch_NonRoutingCannotOverwriteIntent(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")
	_ = s.ApplyPatch("s1", &types.MemoryPatch{UserIntent: strptr("balance inquiry")}, true)

	if err := s.ApplyPatch("s1", &types.MemoryPatch{UserIntent: strptr("something else")}, false); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	mem, _ := s.Get("s1")
	if mem.UserIntent != "balance inquiry" {
		t.Errorf("userIntent = %q; non-routing overwrite must be rejected", mem.UserIntent)
	}
}

func TestApplyPatch_RoutingMayOverwriteIntent(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")
	_ = s.ApplyPatch("s1", &types.MemoryPatch{UserIntent: strptr("balance inquiry")}, true)
	_ = s.ApplyPatch("s1", &types.MemoryPatch{UserIntent: strptr("dispute a charge")}, true)

	mem, _ := s.Get("s1")
	if mem.UserIntent != "dispute a charge" {
		t.Errorf("userIntent = %q; routing agent may overwrite", mem.UserIntent)
	}
}

func TestApplyPatch_NonRoutingMaySetWhenAbsent(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")

	_ = s.ApplyPatch("s1", &types.MemoryPatch{UserIntent: strptr("balance inquiry")}, false)

	mem, _ := s.Get("s1")
	if mem.UserIntent != "balance inquiry" {
		t.Errorf("userIntent = %q; set-when-absent should be accepted", mem.UserIntent)
	}
}

func TestApplyHandoff_RoutingReasonBecomesIntent(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")

	err := s.ApplyHandoff("s1", &types.HandoffRequest{
		TargetAgentID: "idv",
		Reason:        "balance inquiry",
	}, true)
	if err != nil {
		t.Fatalf("ApplyHandoff: %v", err)
	}

	mem, _ := s.Get("s1")
	if mem.UserIntent != "balance inquiry" {
		t.Errorf("userIntent = %q; want balance inquiry", mem.UserIntent)
	}
}

func TestApplyHandoff_NonRoutingReasonIgnored(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")
	_ = s.ApplyHandoff("s1", &types.HandoffRequest{TargetAgentID: "idv", Reason: "balance inquiry"}, true)

	// The IDV agent forwards to banking with its own reason text; intent must
	// not change.
	_ = s.ApplyHandoff("s1", &types.HandoffRequest{TargetAgentID: "banking", Reason: "verified, forwarding"}, false)

	mem, _ := s.Get("s1")
	if mem.UserIntent != "balance inquiry" {
		t.Errorf("userIntent = %q; want preserved balance inquiry", mem.UserIntent)
	}
}

func TestApplyHandoff_ReturnClearsIntentAndRecordsSummary(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")
	_ = s.ApplyHandoff("s1", &types.HandoffRequest{TargetAgentID: "banking", Reason: "balance inquiry"}, true)

	err := s.ApplyHandoff("s1", &types.HandoffRequest{
		TargetAgentID: "routing",
		IsReturn:      true,
		TaskCompleted: "balance retrieved",
	}, false)
	if err != nil {
		t.Fatalf("ApplyHandoff: %v", err)
	}

	mem, _ := s.Get("s1")
	if mem.UserIntent != "" {
		t.Errorf("userIntent = %q; want cleared on return", mem.UserIntent)
	}
	if mem.TaskSummary != "balance retrieved" {
		t.Errorf("taskSummary = %q; want balance retrieved", mem.TaskSummary)
	}
}

func TestApplyHandoff_VerificationNeverDowngraded(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "idv")
	_ = s.ApplyPatch("s1", &types.MemoryPatch{
		VerifiedUser: &types.VerifiedUser{CustomerName: "Sarah", AccountID: "12345678", SortCode: "112233"},
	}, false)

	// A handoff request whose snapshot lacks verification must not clear it.
	_ = s.ApplyHandoff("s1", &types.HandoffRequest{
		TargetAgentID:   "banking",
		InheritedMemory: &types.SessionMemory{Verified: false},
	}, false)

	mem, _ := s.Get("s1")
	if !mem.Verified || mem.VerifiedUser == nil {
		t.Errorf("verification downgraded: %+v", mem)
	}
}

func TestApplyHandoff_InheritedVerificationMergedUpward(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "idv")

	_ = s.ApplyHandoff("s1", &types.HandoffRequest{
		TargetAgentID: "banking",
		InheritedMemory: &types.SessionMemory{
			Verified:     true,
			VerifiedUser: &types.VerifiedUser{CustomerName: "Sarah", AccountID: "1", SortCode: "2"},
		},
	}, false)

	mem, _ := s.Get("s1")
	if !mem.Verified || mem.VerifiedUser == nil || mem.VerifiedUser.CustomerName != "Sarah" {
		t.Errorf("inherited verification not merged: %+v", mem)
	}
}

// Mirrors the routing → idv → banking → routing flow end to end.
func TestIntentLifecycle_FullTaskFlow(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")

	// Routing hands off to IDV with the intent as reason.
	_ = s.ApplyHandoff("s1", &types.HandoffRequest{TargetAgentID: "idv", Reason: "balance inquiry"}, true)

	// IDV verifies the user.
	_ = s.ApplyPatch("s1", &types.MemoryPatch{
		VerifiedUser: &types.VerifiedUser{CustomerName: "Sarah", AccountID: "12345678", SortCode: "112233"},
	}, false)

	// IDV forwards to banking with no reason; intent survives.
	_ = s.ApplyHandoff("s1", &types.HandoffRequest{TargetAgentID: "banking"}, false)
	mem, _ := s.Get("s1")
	if mem.UserIntent != "balance inquiry" || !mem.Verified {
		t.Fatalf("mid-flow memory wrong: %+v", mem)
	}

	// Banking completes and returns.
	_ = s.ApplyHandoff("s1", &types.HandoffRequest{
		TargetAgentID: "routing",
		IsReturn:      true,
		TaskCompleted: "balance retrieved",
	}, false)

	mem, _ = s.Get("s1")
	if mem.UserIntent != "" {
		t.Errorf("userIntent = %q; want absent", mem.UserIntent)
	}
	if mem.TaskSummary != "balance retrieved" {
		t.Errorf("taskSummary = %q", mem.TaskSummary)
	}
	if !mem.Verified || mem.VerifiedUser == nil {
		t.Errorf("verification lost: %+v", mem)
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "idv")
	_ = s.ApplyPatch("s1", &types.MemoryPatch{
		VerifiedUser: &types.VerifiedUser{CustomerName: "Sarah", AccountID: "1", SortCode: "2"},
	}, false)

	snap, err := s.Snapshot("s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap.VerifiedUser.CustomerName = "Mallory"

	mem, _ := s.Get("s1")
	if mem.VerifiedUser.CustomerName != "Sarah" {
		t.Error("mutating a snapshot must not affect the store")
	}
}

func TestUpdate_GatewayOwnedFields(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")

	err := s.Update("s1", func(mem *types.SessionMemory) {
		mem.CurrentAgentID = "banking"
		mem.HandoffInFlight = true
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	mem, _ := s.Get("s1")
	if mem.CurrentAgentID != "banking" || !mem.HandoffInFlight {
		t.Errorf("update lost: %+v", mem)
	}
}

func TestDelete_RemovesRecord(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")
	s.Delete("s1")
	if _, err := s.Get("s1"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("Get after Delete = %v; want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	s.Delete("s1")
}

// Concurrent updates on one session must serialize without tearing.
func TestUpdate_ConcurrentSerialized(t *testing.T) {
	t.Parallel()
	s := memory.NewStore()
	s.Create("s1", "routing")

	const workers = 16
	const iters = 50

	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for range iters {
				_ = s.Update("s1", func(mem *types.SessionMemory) {
					// A torn read would show a half-applied pair.
					if mem.HandoffInFlight {
						mem.HandoffInFlight = false
						mem.CurrentAgentID = "routing"
					} else {
						mem.HandoffInFlight = true
						mem.CurrentAgentID = "banking"
					}
				})
			}
		})
	}
	wg.Wait()

	mem, _ := s.Get("s1")
	if mem.HandoffInFlight && mem.CurrentAgentID != "banking" {
		t.Errorf("torn state: %+v", mem)
	}
	if !mem.HandoffInFlight && mem.CurrentAgentID != "routing" {
		t.Errorf("torn state: %+v", mem)
	}
}
