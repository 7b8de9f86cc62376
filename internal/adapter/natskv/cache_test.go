package natskv

import "testing"

func TestKVKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"group:9b1c-42", "group_9b1c-42"},
		{"group.abc", "group.abc"},
		{"a b*c>", "a_b_c_"},
	}
	for _, tt := range tests {
		if got := kvKey(tt.in); got != tt.want {
			t.Errorf("kvKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
