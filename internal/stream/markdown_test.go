package stream

import "testing"

func TestFormatMarkdownTitles(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "space after markers",
			in:   "Text\n###Heading\nMore",
			want: "Text\n\n### Heading\n\nMore",
		},
		{
			name: "complete heading gets trailing blank line",
			in:   "## Title",
			want: "## Title\n\n",
		},
		{
			name: "marker only fragment passes through",
			in:   "###",
			want: "###",
		},
		{
			name: "plain text untouched",
			in:   "hello world",
			want: "hello world",
		},
		{
			name: "collapse runs of newlines",
			in:   "a\n\n\n\nb",
			want: "a\n\nb",
		},
		{
			name: "heading at document start keeps position",
			in:   "# Top\nBody",
			want: "# Top\n\nBody",
		},
		{
			name: "empty content",
			in:   "",
			want: "",
		},
		{
			name: "whitespace only",
			in:   "   ",
			want: "   ",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatMarkdownTitles(tc.in); got != tc.want {
				t.Errorf("FormatMarkdownTitles(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFormatMarkdownTitlesIdempotent(t *testing.T) {
	inputs := []string{
		"Text\n###Heading\nMore",
		"## Title",
		"a\n\n\n\nb",
		"# One\nTwo\n## Three\nFour",
	}
	for _, in := range inputs {
		once := FormatMarkdownTitles(in)
		twice := FormatMarkdownTitles(once)
		if once != twice {
			t.Errorf("not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}
