package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestPathListUnmarshalMixed(t *testing.T) {
	input := `
paths:
  - ~/projects/foo
  - path: ~/projects/api
    owners: [owner-1, owner-2]
  - path: ~/projects/infra
    owners:
      - owner-3
`
	var cfg HostConfig
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cfg.Paths) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(cfg.Paths))
	}
	if cfg.Paths[0].Path != "~/projects/foo" || len(cfg.Paths[0].Owners) != 0 {
		t.Errorf("path[0] = %+v", cfg.Paths[0])
	}
	if cfg.Paths[1].Path != "~/projects/api" || len(cfg.Paths[1].Owners) != 2 {
		t.Errorf("path[1] = %+v", cfg.Paths[1])
	}
	if cfg.Paths[2].Path != "~/projects/infra" || len(cfg.Paths[2].Owners) != 1 {
		t.Errorf("path[2] = %+v", cfg.Paths[2])
	}
}

func TestPathListMarshalRoundtrip(t *testing.T) {
	pl := PathList{
		{Path: "~/projects/foo"},
		{Path: "~/projects/api", Owners: []string{"owner-1"}},
	}
	data, err := yaml.Marshal(struct {
		Paths PathList `yaml:"paths"`
	}{Paths: pl})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := string(data)
	if !contains(out, "- ~/projects/foo") {
		t.Errorf("expected plain string for ~/projects/foo, got:\n%s", out)
	}
	if !contains(out, "path: ~/projects/api") {
		t.Errorf("expected mapping for ~/projects/api, got:\n%s", out)
	}
	if !contains(out, "owner-1") {
		t.Errorf("expected owner id, got:\n%s", out)
	}
}

func TestPathListStrings(t *testing.T) {
	pl := PathList{
		{Path: "~/a"},
		{Path: "~/b", Owners: []string{"owner-9"}},
	}
	s := pl.Strings()
	if len(s) != 2 || s[0] != "~/a" || s[1] != "~/b" {
		t.Errorf("Strings() = %v", s)
	}
}

func TestPathsForOwner(t *testing.T) {
	pl := PathList{
		{Path: "~/docs"},
		{Path: "~/projects/api", Owners: []string{"owner-alice"}},
		{Path: "~/projects/infra", Owners: []string{"owner-bob"}},
	}

	if got := pl.PathsForOwner("anyone", true); len(got) != 3 {
		t.Errorf("admin should see all, got %v", got)
	}

	got := pl.PathsForOwner("owner-alice", false)
	if len(got) != 2 {
		t.Errorf("alice should see 2 paths, got %v", got)
	}

	got = pl.PathsForOwner("owner-nobody", false)
	if len(got) != 1 || got[0] != "~/docs" {
		t.Errorf("unknown owner should see only open paths, got %v", got)
	}
}

func TestPathListLegacyStringOnly(t *testing.T) {
	input := `
paths:
  - ~/a
  - ~/b
`
	var cfg HostConfig
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cfg.Paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(cfg.Paths))
	}
	s := cfg.Paths.Strings()
	if s[0] != "~/a" || s[1] != "~/b" {
		t.Errorf("Strings() = %v", s)
	}
}

func TestHostIsAdmin(t *testing.T) {
	cfg := &HostConfig{Admins: []string{"owner-alice", "owner-bob"}}
	if !cfg.IsAdmin("owner-bob") {
		t.Error("expected owner-bob to be admin")
	}
	if cfg.IsAdmin("owner-carol") {
		t.Error("owner-carol should not be admin")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
