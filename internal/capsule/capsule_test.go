package capsule

import "testing"

func TestCanTransition(t *testing.T) {
	all := []TriggerStatus{TriggerPending, TriggerActive, TriggerCompleted, TriggerFailed}

	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)

			want := true
			switch {
			case from.Terminal():
				want = false
			case from == TriggerActive && to == TriggerPending:
				want = false
			}

			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_UnknownTarget(t *testing.T) {
	if CanTransition(TriggerPending, TriggerStatus("sealed")) {
		t.Error("unknown target status should be rejected")
	}
}

func TestValid(t *testing.T) {
	if !KindConsensus.Valid() || TriggerKind("webhook").Valid() {
		t.Error("TriggerKind.Valid mismatch")
	}
	if !ContentVideo.Valid() || ContentType("image").Valid() {
		t.Error("ContentType.Valid mismatch")
	}
	if !TriggerActive.Valid() || TriggerStatus("done").Valid() {
		t.Error("TriggerStatus.Valid mismatch")
	}
}
