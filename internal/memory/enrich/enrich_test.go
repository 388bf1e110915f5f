package enrich

import (
	"context"
	"testing"
)

func TestParseTags(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`["auth", "jwt"]`, []string{"auth", "jwt"}},
		{"Here you go:\n[\"Auth\", \" JWT \"]\nEnjoy!", []string{"auth", "jwt"}},
		{`["keep", "", "  "]`, []string{"keep"}},
		{`no json here`, nil},
		{`[broken`, nil},
		{`{"tags": true}`, nil},
	}
	for _, c := range cases {
		got := parseTags(c.in)
		if len(got) != len(c.want) {
			t.Errorf("parseTags(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range c.want {
			if got[i] != c.want[i] {
				t.Errorf("parseTags(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}

func TestTaggerDisabledWithoutKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	tagger := NewTagger("")
	if tags := tagger.AutoTag(context.Background(), "some note"); tags != nil {
		t.Errorf("disabled tagger returned %v", tags)
	}
}
