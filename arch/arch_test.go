package arch

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]Architecture{
		"arm64-v8a":   ARM64,
		"armeabi-v7a": ARMV7,
		"armeabi":     ARMV5,
		" x86_64 ":    X86_64,
		"x86":         X86,
		"arm64e":      ARM64,
		"sparc":       "",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeListDropsUnknownAndDuplicates(t *testing.T) {
	t.Parallel()

	got := NormalizeList([]string{"arm64-v8a", "aarch64", "unknown", "x86"})
	if len(got) != 2 || got[0] != ARM64 || got[1] != X86 {
		t.Fatalf("NormalizeList() = %v, want [arm64 x86]", got)
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Parse("sparc"); err == nil {
		t.Fatal("Parse() error = nil, want non-nil")
	}
}
