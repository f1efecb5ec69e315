package metrics

import "testing"

func TestInit_Idempotent(t *testing.T) {
	first := Init()
	if first == nil {
		t.Fatal("Init returned nil registry")
	}
	second := Init()
	if first != second {
		t.Error("Init created a second registry")
	}
	if Registry() != first {
		t.Error("Registry does not return the initialized registry")
	}
}

func TestRecordHelpers(t *testing.T) {
	Init()
	// Must not panic with arbitrary label values.
	RecordQuery("udp")
	RecordResponse("dtls")
	RecordUpstreamFailure("timeout")
	RecordUpstreamFailure("refused")
}
