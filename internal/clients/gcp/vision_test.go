package gcp

import "testing"

func TestGuessDrawingName(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"simple sheet number", "PROJECT TITLE\nSHEET A-101\nSCALE 1:100", "A-101"},
		{"no hyphen", "S201 FOUNDATION PLAN", "S201"},
		{"decimal sheet", "M-3.02 MECHANICAL DETAILS", "M-3.02"},
		{"lowercase sheet numbers never match", "sheet a-101 floor plan", ""},
		{"nothing found", "GENERAL NOTES AND LEGEND", ""},
		{"first match wins", "A-101\nA-102", "A-101"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := guessDrawingName(tc.text)
			if got != tc.want {
				t.Errorf("guessDrawingName(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestGuessDrawingName_OnlyScansFirst40Lines(t *testing.T) {
	text := ""
	for i := 0; i < 45; i++ {
		text += "filler line with no sheet number\n"
	}
	text += "A-999"
	if got := guessDrawingName(text); got != "" {
		t.Errorf("expected no match beyond the 40-line scan window, got %q", got)
	}
}
