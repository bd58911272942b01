package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/config"
)

func TestBuildEngineStrategyOverride(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Anonymize.Strategies = map[string]string{"EMAIL": "redact"}

	engine, err := buildEngine(cfg, nil)
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}

	sess := anonymize.NewSession("req-1")
	res := engine.AnonymizeText(context.Background(), "write to zhangsan@corp.com", sess)
	if !strings.Contains(res.Text, "[REDACTED]") {
		t.Errorf("redact override not applied: %q", res.Text)
	}
	if len(res.Mappings) != 0 {
		t.Errorf("redaction produced mappings: %v", res.Mappings)
	}
}

func TestBuildEngineUnknownStrategy(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Anonymize.Strategies = map[string]string{"EMAIL": "rot13"}

	if _, err := buildEngine(cfg, nil); err == nil {
		t.Fatal("buildEngine accepted an unknown strategy")
	}
}

func TestBuildEngineLoadsAllowlists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	list := "# shared inboxes\nsupport@corp.com\n"
	if err := os.WriteFile(filepath.Join(dir, "email.txt"), []byte(list), 0o644); err != nil {
		t.Fatalf("write allowlist: %v", err)
	}

	cfg := config.Default()
	cfg.Anonymize.AllowlistsDir = dir

	engine, err := buildEngine(cfg, nil)
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}

	sess := anonymize.NewSession("req-1")
	res := engine.AnonymizeText(context.Background(), "cc support@corp.com and zhangsan@corp.com", sess)
	if strings.Contains(res.Text, "support@corp.com") == false {
		t.Errorf("allowlisted address was anonymized: %q", res.Text)
	}
	if strings.Contains(res.Text, "zhangsan@corp.com") {
		t.Errorf("non-allowlisted address survived: %q", res.Text)
	}
}
