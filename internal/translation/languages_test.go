package translation

import "testing"

func TestLabel(t *testing.T) {
	tests := []struct {
		code     string
		expected string
	}{
		{"ja", "Japanese"},
		{"en", "English"},
		{"JA", "Japanese"},
		{"sw", "sw"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Label(tt.code); got != tt.expected {
			t.Errorf("Label(%q) = %q, expected %q", tt.code, got, tt.expected)
		}
	}
}

func TestListSorted(t *testing.T) {
	list := List()
	if len(list) != len(Languages) {
		t.Fatalf("Expected %d languages, got %d", len(Languages), len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Code >= list[i].Code {
			t.Errorf("List not sorted at %d: %s >= %s", i, list[i-1].Code, list[i].Code)
		}
	}
}
