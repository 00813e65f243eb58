package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/store/sqlstore"
)

func TestParseTargets(t *testing.T) {
	got, err := parseTargets(" group_with_AI:group:群聊|AI群 , Mwu！:direct ,")
	if err != nil {
		t.Fatalf("parseTargets: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d targets, want 2: %+v", len(got), got)
	}
	if got[0].ID != "group_with_AI" || !got[0].IsGroup() || len(got[0].Aliases) != 2 || got[0].Aliases[1] != "AI群" {
		t.Errorf("group target = %+v", got[0])
	}
	if got[1].ID != "Mwu！" || got[1].Kind != "direct" || got[1].Aliases != nil {
		t.Errorf("direct target = %+v", got[1])
	}

	for _, bad := range []string{"", " , ", "alice", ":group", "alice:channel"} {
		if _, err := parseTargets(bad); err == nil {
			t.Errorf("parseTargets(%q) should fail", bad)
		}
	}
}

func TestSetTargetsRejectsDuplicates(t *testing.T) {
	cfg := config.Default()
	if err := setTargets(cfg, "a:direct,a:group"); err == nil || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("err = %v, want duplicate error", err)
	}
	if err := setTargets(cfg, "a:direct,b:group"); err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Target("b"); !ok {
		t.Error("target b missing")
	}
}

func TestAutoOnboard(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	t.Setenv("WXBRIDGE_SOURCE_PATH", filepath.Join(dir, "notify.mmkv"))
	t.Setenv("WXBRIDGE_TARGETS", "group_with_AI:group:群聊,Mwu！:direct")
	t.Setenv("WXBRIDGE_WEBHOOK_TOKEN", "tok-onboard-secret")
	t.Setenv("WXBRIDGE_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("WXBRIDGE_STATE_BACKEND", "sqlite")

	if !canAutoOnboard() {
		t.Fatal("canAutoOnboard = false with source path and targets set")
	}
	if err := runAutoOnboard(context.Background(), cfgPath); err != nil {
		t.Fatalf("runAutoOnboard: %v", err)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "tok-onboard-secret") {
		t.Error("webhook token written to config file")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("onboarded config invalid: %v", err)
	}
	g, ok := cfg.Target("group_with_AI")
	if !ok || !g.IsGroup() || len(g.Aliases) != 1 || g.Aliases[0] != "群聊" {
		t.Errorf("group target = %+v ok=%v", g, ok)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", sqlstore.SQLiteFileName)); err != nil {
		t.Errorf("sqlite state not prepared: %v", err)
	}
}

func TestAutoOnboardRequiresToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	t.Setenv("WXBRIDGE_SOURCE_PATH", filepath.Join(dir, "notify.mmkv"))
	t.Setenv("WXBRIDGE_TARGETS", "Mwu！:direct")
	t.Setenv("WXBRIDGE_WEBHOOK_TOKEN", "")
	t.Setenv("WXBRIDGE_DATA_DIR", filepath.Join(dir, "data"))

	err := runAutoOnboard(context.Background(), cfgPath)
	if err == nil || !strings.Contains(err.Error(), "webhook.token") {
		t.Fatalf("err = %v, want webhook.token error", err)
	}
	if _, statErr := os.Stat(cfgPath); !os.IsNotExist(statErr) {
		t.Error("config written despite validation failure")
	}
}

func TestMigrationTarget(t *testing.T) {
	cfg := testConfig(t)

	cfg.State.Backend = "sqlite"
	driver, dsn, err := migrationTarget(cfg)
	if err != nil || driver != sqlstore.DriverSQLite || dsn != sqlstore.SQLiteDSN(cfg.DataDir()) {
		t.Errorf("sqlite = %q %q %v", driver, dsn, err)
	}

	cfg.State.Backend = "postgres"
	if _, _, err := migrationTarget(cfg); err == nil {
		t.Error("postgres without DSN should fail")
	}
	cfg.State.PostgresDSN = "postgres://localhost/wx"
	if driver, _, err := migrationTarget(cfg); err != nil || driver != sqlstore.DriverPostgres {
		t.Errorf("postgres = %q %v", driver, err)
	}

	cfg.State.Backend = "file"
	if _, _, err := migrationTarget(cfg); err == nil {
		t.Error("file backend has no schema and should fail")
	}
}
