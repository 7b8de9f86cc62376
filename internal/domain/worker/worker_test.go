package worker

import "testing"

func TestFilterMatches(t *testing.T) {
	w := &Worker{ID: "w1", Name: "ingest-1", ExternalIDs: []string{"host-a", "pod-7"}, Status: StatusActive}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"status match", Filter{Status: StatusActive}, true},
		{"status mismatch", Filter{Status: StatusStopping}, false},
		{"name match", Filter{Name: "ingest-1"}, true},
		{"name mismatch", Filter{Name: "export-1"}, false},
		{"external id match", Filter{ExternalID: "pod-7"}, true},
		{"external id mismatch", Filter{ExternalID: "pod-8"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(w); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEffectiveLimit(t *testing.T) {
	for in, want := range map[int]int{0: DefaultLimit, -1: DefaultLimit, 5: 5, 1000: DefaultLimit} {
		if got := (Filter{Limit: in}).EffectiveLimit(); got != want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestAcceptsWork(t *testing.T) {
	for _, s := range []Status{StatusStarting, StatusActive} {
		w := Worker{Status: s}
		if !w.AcceptsWork() {
			t.Errorf("%s worker should accept work", s)
		}
	}
	w := Worker{Status: StatusStopping}
	if w.AcceptsWork() {
		t.Error("stopping worker must not accept work")
	}
}
