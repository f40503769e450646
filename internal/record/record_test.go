package record

import "testing"

func TestSessionIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want SessionID
	}{
		{"/home/u/.claude/projects/-home-u-work/abc123.jsonl", "abc123"},
		{"abc123.jsonl", "abc123"},
		{"abc123", "abc123"},
		{"/tmp/nested/dir/55e0-91aa.jsonl", "55e0-91aa"},
	}
	for _, tt := range tests {
		if got := SessionIDFromPath(tt.path); got != tt.want {
			t.Errorf("SessionIDFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusWorking, StatusIdle, StatusNeedsInput, StatusNotRunning} {
		if !s.Valid() {
			t.Errorf("%q reported invalid", s)
		}
	}
	if Status("sleeping").Valid() {
		t.Error("unknown status reported valid")
	}
}
