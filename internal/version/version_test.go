package version

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestColoredPlain(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	for _, v := range []string{"0.1.0-dev", "1.2.3", "1.0.0-beta.1", "weird"} {
		orig := Version
		Version = v
		if got := Colored(); got != v {
			t.Errorf("Colored(%q) = %q", v, got)
		}
		Version = orig
	}
}

func TestInfo(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	origCommit, origDate := GitCommit, BuildDate
	defer func() { GitCommit, BuildDate = origCommit, origDate }()

	GitCommit, BuildDate = "", ""
	out := Info([2]string{"ir format", "1.0.0"})
	if strings.Contains(out, "commit:") || strings.Contains(out, "built:") {
		t.Errorf("empty build fields printed:\n%s", out)
	}
	if !strings.Contains(out, "ir format: 1.0.0") || !strings.HasPrefix(out, "kiln "+Version) {
		t.Errorf("info:\n%s", out)
	}

	GitCommit, BuildDate = "abc123", "2024-01-15"
	out = Info()
	if !strings.Contains(out, "commit: abc123") || !strings.Contains(out, "built: 2024-01-15") {
		t.Errorf("info:\n%s", out)
	}
}
