package models

import (
	"errors"
	"testing"
)

func TestEncodeTaskCode(t *testing.T) {
	tests := []struct {
		paper    int
		question int
		want     string
	}{
		{paper: 42, question: 3, want: "0042g3"},
		{paper: 0, question: 1, want: "0000g1"},
		{paper: 7, question: 2, want: "0007g2"},
		{paper: 12345, question: 10, want: "12345g10"},
	}

	for _, tt := range tests {
		got := EncodeTaskCode(tt.paper, tt.question)
		if got != tt.want {
			t.Errorf("EncodeTaskCode(%d, %d) = %q, want %q", tt.paper, tt.question, got, tt.want)
		}
	}
}

func TestDecodeTaskCode(t *testing.T) {
	tests := []struct {
		code         string
		wantPaper    int
		wantQuestion int
	}{
		{code: "0042g3", wantPaper: 42, wantQuestion: 3},
		{code: "q0042g3", wantPaper: 42, wantQuestion: 3},
		{code: "0000g1", wantPaper: 0, wantQuestion: 1},
		{code: "12345g10", wantPaper: 12345, wantQuestion: 10},
		{code: "7g2", wantPaper: 7, wantQuestion: 2},
	}

	for _, tt := range tests {
		paper, question, err := DecodeTaskCode(tt.code)
		if err != nil {
			t.Fatalf("DecodeTaskCode(%q) returned error: %v", tt.code, err)
		}
		if paper != tt.wantPaper || question != tt.wantQuestion {
			t.Errorf("DecodeTaskCode(%q) = (%d, %d), want (%d, %d)",
				tt.code, paper, question, tt.wantPaper, tt.wantQuestion)
		}
	}
}

func TestDecodeTaskCodeRoundTrip(t *testing.T) {
	for paper := 0; paper <= 50; paper += 7 {
		for question := 1; question <= 5; question++ {
			code := EncodeTaskCode(paper, question)
			gotPaper, gotQuestion, err := DecodeTaskCode(code)
			if err != nil {
				t.Fatalf("DecodeTaskCode(%q) returned error: %v", code, err)
			}
			if gotPaper != paper || gotQuestion != question {
				t.Errorf("round trip (%d, %d) -> %q -> (%d, %d)",
					paper, question, code, gotPaper, gotQuestion)
			}
		}
	}
}

func TestDecodeTaskCodeMalformed(t *testing.T) {
	tests := []string{
		"",
		"0042",
		"0042h3",
		"abcdg3",
		"0042gx",
		"g",
		"q",
	}

	for _, code := range tests {
		_, _, err := DecodeTaskCode(code)
		if !errors.Is(err, ErrMalformedTaskCode) {
			t.Errorf("DecodeTaskCode(%q) = %v, want ErrMalformedTaskCode", code, err)
		}
	}
}
