package healthcheck

import "testing"

func TestHysteresisRequiresConsecutiveFailures(t *testing.T) {
	tr := NewTracker()
	tr.Register("a", 2, 3)

	var transitions []Status
	onChange := func(id string, from, to Status) { transitions = append(transitions, to) }

	tr.RecordProbe("a", false, onChange)
	tr.RecordProbe("a", false, onChange)
	if st, _ := tr.Status("a"); st.Status != StatusHealthy {
		t.Fatalf("expected still healthy after 2/3 failures, got %s", st.Status)
	}
	tr.RecordProbe("a", false, onChange)
	if st, _ := tr.Status("a"); st.Status != StatusSuspect {
		t.Fatalf("expected suspect after 3 consecutive failures, got %s", st.Status)
	}
	if len(transitions) != 1 || transitions[0] != StatusSuspect {
		t.Fatalf("expected exactly one transition to suspect, got %v", transitions)
	}
}

func TestHysteresisRecoversAfterConsecutiveSuccesses(t *testing.T) {
	tr := NewTracker()
	tr.Register("a", 2, 1)
	tr.RecordProbe("a", false, nil) // -> suspect
	if st, _ := tr.Status("a"); st.Status != StatusSuspect {
		t.Fatalf("expected suspect, got %s", st.Status)
	}
	tr.RecordProbe("a", true, nil)
	if st, _ := tr.Status("a"); st.Status != StatusSuspect {
		t.Fatalf("expected still suspect after 1/2 successes, got %s", st.Status)
	}
	tr.RecordProbe("a", true, nil)
	if st, _ := tr.Status("a"); st.Status != StatusHealthy {
		t.Fatalf("expected healthy after 2 consecutive successes, got %s", st.Status)
	}
}

func TestSingleFailureDoesNotFlip(t *testing.T) {
	tr := NewTracker()
	tr.Register("a", 2, 3)
	tr.RecordProbe("a", false, nil)
	if st, _ := tr.Status("a"); st.Status != StatusHealthy {
		t.Fatalf("a single transient failure must not flip status, got %s", st.Status)
	}
}
