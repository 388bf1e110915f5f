package coord

import "testing"

func TestNormalizePatterns(t *testing.T) {
	got := NormalizePatterns([]string{" src/auth.ts ", "src/auth.ts", "lib/", "", "lib"})
	want := []string{"src/auth.ts", "lib"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPatternsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"src/auth.ts", "src/auth.ts", true},
		{"src", "src/auth.ts", true}, // prefix covers subtree
		{"src/auth.ts", "src", true},
		{"src/auth.ts", "src/api.ts", false},
		{"src/*.ts", "src/auth.ts", true},
		{"src/*.ts", "src/auth.go", false},
		{"src/**", "src/deep/nested/file.go", true},
		{"**/auth.ts", "src/auth.ts", true},
		{"**/auth.ts", "src/main.go", false},
		{"src/*.ts", "lib/*.ts", false},
		{"src/*", "src/*.go", true}, // two globs assumed to intersect
		{"docs", "src", false},
	}
	for _, c := range cases {
		if got := PatternsOverlap(c.a, c.b); got != c.want {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
		// Overlap is symmetric.
		if got := PatternsOverlap(c.b, c.a); got != c.want {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", c.b, c.a, got, c.want)
		}
	}
}
