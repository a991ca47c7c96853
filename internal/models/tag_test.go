package models

import "testing"

func TestValidTagText(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{text: "needs_second_look", want: true},
		{text: "q3-hard", want: true},
		{text: "a+b:c;d", want: true},
		{text: "@alice", want: true},
		{text: "ABC123", want: true},
		{text: "", want: false},
		{text: "has space", want: false},
		{text: "tab\there", want: false},
		{text: "emoji🙂", want: false},
		{text: "slash/y", want: false},
	}

	for _, tt := range tests {
		got := ValidTagText(tt.text)
		if got != tt.want {
			t.Errorf("ValidTagText(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestEarmarkHelpers(t *testing.T) {
	if !IsEarmark("@alice") {
		t.Error("IsEarmark(@alice) = false, want true")
	}
	if IsEarmark("alice") {
		t.Error("IsEarmark(alice) = true, want false")
	}

	if got := EarmarkFor("bob"); got != "@bob" {
		t.Errorf("EarmarkFor(bob) = %q, want @bob", got)
	}

	if got := EarmarkReviewer("@carol"); got != "carol" {
		t.Errorf("EarmarkReviewer(@carol) = %q, want carol", got)
	}
	if got := EarmarkReviewer("carol"); got != "" {
		t.Errorf("EarmarkReviewer(carol) = %q, want empty", got)
	}
}
