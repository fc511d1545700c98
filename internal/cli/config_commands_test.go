package cli

import (
	"testing"

	"github.com/wholehead-labs/wholehead-cli/internal/config"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
)

// TestParseModelSelection verifies the --models flag expansion, including
// the "all" shorthand and rejection of unknown families.
func TestParseModelSelection(t *testing.T) {
	sel, err := parseModelSelection("grace,dominopp")
	if err != nil {
		t.Fatal(err)
	}
	if !sel.Grace || sel.Domino || !sel.DominoPP {
		t.Fatalf("unexpected selection: %+v", sel)
	}

	sel, err = parseModelSelection("all")
	if err != nil {
		t.Fatal(err)
	}
	if !sel.Grace || !sel.Domino || !sel.DominoPP {
		t.Fatalf("'all' did not select everything: %+v", sel)
	}

	if _, err := parseModelSelection("gracie"); err == nil {
		t.Fatal("unknown family accepted")
	}
	if _, err := parseModelSelection(""); err == nil {
		t.Fatal("empty selection accepted")
	}
}

// TestResolveTasks verifies family names expand across spaces and full task
// names pass through.
func TestResolveTasks(t *testing.T) {
	tasks, err := resolveTasks("grace", "fs")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0] != "grace-fs" {
		t.Fatalf("unexpected tasks: %v", tasks)
	}

	tasks, err = resolveTasks("domino-native,grace", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"domino-native", "grace-native", "grace-fs"}
	if len(tasks) != len(want) {
		t.Fatalf("unexpected tasks: %v", tasks)
	}
	for i := range want {
		if tasks[i] != want[i] {
			t.Fatalf("task %d: expected %s, got %s", i, want[i], tasks[i])
		}
	}

	tasks, err = resolveTasks("all", "native")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 native tasks, got %v", tasks)
	}

	if _, err := resolveTasks("grace", "warped"); err == nil {
		t.Fatal("invalid space accepted")
	}
}

// TestApplyConfigValue verifies key routing and integer validation.
func TestApplyConfigValue(t *testing.T) {
	cfg := config.New()

	if err := applyConfigValue(cfg, "platform_url", "https://example.com"); err != nil {
		t.Fatal(err)
	}
	if cfg.PlatformURL != "https://example.com" {
		t.Fatalf("platform_url not applied: %s", cfg.PlatformURL)
	}

	if err := applyConfigValue(cfg, "max_reconnects", "12"); err != nil {
		t.Fatal(err)
	}
	if cfg.Client.MaxReconnects != 12 {
		t.Fatalf("max_reconnects not applied: %d", cfg.Client.MaxReconnects)
	}

	if err := applyConfigValue(cfg, "max_reconnects", "many"); err == nil {
		t.Fatal("non-integer accepted")
	}
	if err := applyConfigValue(cfg, "nonsense", "x"); err == nil {
		t.Fatal("unknown key accepted")
	}
}

// TestMaskSecret verifies secrets are never shown in full.
func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "(not set)" {
		t.Fatalf("empty secret: %s", got)
	}
	if got := maskSecret("abcd"); got != "****" {
		t.Fatalf("short secret leaked: %s", got)
	}
	got := maskSecret("supersecretvalue")
	if got[:2] != "su" || got[len(got)-2:] != "ue" || len(got) != len("supersecretvalue") {
		t.Fatalf("unexpected mask: %s", got)
	}
	for _, c := range got[2 : len(got)-2] {
		if c != '*' {
			t.Fatalf("middle not masked: %s", got)
		}
	}
}

// TestSplitList verifies comma splitting trims blanks.
func TestSplitList(t *testing.T) {
	got := splitList(" fem , bem ,,")
	if len(got) != 2 || got[0] != "fem" || got[1] != "bem" {
		t.Fatalf("unexpected split: %v", got)
	}
}

// TestOutstandingResults verifies the watch loop's settle condition only
// counts finished tasks.
func TestOutstandingResults(t *testing.T) {
	job := models.NewJob()
	job.Tasks = []string{"grace-native", "domino-native"}
	job.Progress["grace-native"] = 100
	job.Progress["domino-native"] = 40

	if n := outstandingResults(job, map[string]bool{}); n != 1 {
		t.Fatalf("expected 1 outstanding, got %d", n)
	}
	if n := outstandingResults(job, map[string]bool{"grace-native": true}); n != 0 {
		t.Fatalf("expected 0 outstanding, got %d", n)
	}
}
