package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docuchat.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DOCUCHAT_TOKEN_SECRET", "s3cret")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("default addr %q", cfg.Server.Addr)
	}
	if cfg.Sync.Cron != "*/15 * * * *" {
		t.Fatalf("default cron %q", cfg.Sync.Cron)
	}
	if cfg.Sync.Staleness != time.Hour {
		t.Fatalf("default staleness %v", cfg.Sync.Staleness)
	}
	if cfg.DMS.AuthScheme != "plain-token" {
		t.Fatalf("default scheme %q", cfg.DMS.AuthScheme)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	usersList := uuid.New()
	fileList := uuid.New()
	path := writeConfig(t, `
server:
  addr: ":9090"
auth:
  token_secret: file-secret
  token_ttl: 2h
dms:
  base_url: https://dms.internal
  login: sync-bot
  users_list_id: `+usersList.String()+`
  file_list_ids:
    - `+fileList.String()+`
sync:
  cron: "0 * * * *"
  on_start: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Fatalf("ttl %v", cfg.Auth.TokenTTL)
	}
	if cfg.DMS.UsersListUUID() != usersList {
		t.Fatalf("users list %v", cfg.DMS.UsersListUUID())
	}
	if ids := cfg.DMS.FileListUUIDs(); len(ids) != 1 || ids[0] != fileList {
		t.Fatalf("file lists %v", ids)
	}
	if cfg.Sync.OnStart {
		t.Fatal("on_start override lost")
	}
	// Unset fields keep their defaults.
	if cfg.Log.Level != "info" {
		t.Fatalf("log level %q", cfg.Log.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
auth:
  token_secret: file-secret
`)
	t.Setenv("DOCUCHAT_ADDR", ":7070")
	t.Setenv("DOCUCHAT_TOKEN_SECRET", "env-secret")
	t.Setenv("DOCUCHAT_DMS_FILE_LIST_IDS", uuid.New().String()+" , "+uuid.New().String())
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env override lost: %q", cfg.Server.Addr)
	}
	if cfg.Auth.TokenSecret != "env-secret" {
		t.Fatalf("secret override lost: %q", cfg.Auth.TokenSecret)
	}
	if len(cfg.DMS.FileListIDs) != 2 {
		t.Fatalf("list env not split: %v", cfg.DMS.FileListIDs)
	}
}

func TestLoadRequiresTokenSecret(t *testing.T) {
	t.Setenv("DOCUCHAT_TOKEN_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Fatal("missing token secret accepted")
	}
}

func TestLoadRejectsMalformedListID(t *testing.T) {
	path := writeConfig(t, `
auth:
  token_secret: s3cret
dms:
  users_list_id: not-a-uuid
`)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed users list id accepted")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DOCUCHAT_TOKEN_SECRET", "s3cret")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("defaults not applied: %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}
