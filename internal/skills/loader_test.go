package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/clawinfra/parlo/internal/types"
)

const testManifest = `---
name: notizie
version: 1.2.0
description: Ultime notizie italiane
author: parlo
env: ["NEWS_REGION=it"]
---

# Notizie
`

const testAgentTOML = `
[tools.notizie_italia]
command = "echo"
description = "Legge i titoli del giorno"
args = ["Titoli", "$categoria"]
timeout_secs = 5

[tools.notizie_italia.params.categoria]
type = "string"
description = "Categoria delle notizie"

[tools.spegni_notiziario]
command = "true"
capability = "system_ctl"
`

func writeSkill(t *testing.T, root, name, manifest, agent string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if agent != "" {
		if err := os.WriteFile(filepath.Join(dir, "agent.toml"), []byte(agent), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestParseToolsTOML(t *testing.T) {
	tools, err := ParseToolsTOML([]byte(testAgentTOML))
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	news := tools["notizie_italia"]
	if news.Name != "notizie_italia" || news.TimeoutSecs != 5 || len(news.Args) != 2 {
		t.Errorf("unexpected tool: %+v", news)
	}
	if p := news.Params["categoria"]; p.Type != TypeString || p.Required {
		t.Errorf("unexpected param: %+v", p)
	}
	if tools["spegni_notiziario"].Capability != "system_ctl" {
		t.Error("capability not decoded")
	}
}

func TestParseToolsTOMLErrors(t *testing.T) {
	bad := []string{
		"[tools.x\ncommand = 1",
		"[tools.x]\ndescription = \"no command\"",
		"[tools.x]\ncommand = \"echo\"\ncolour = \"red\"",
	}
	for _, data := range bad {
		if _, err := ParseToolsTOML([]byte(data)); err == nil {
			t.Errorf("expected error for %q", data)
		}
	}
}

func TestLoadAllAndRegisterExternal(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "notizie", testManifest, testAgentTOML)
	writeSkill(t, root, "broken", "no frontmatter", testAgentTOML)
	writeSkill(t, root, "noagent", "---\nname: noagent\n---\n", "")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(root, 3*time.Second, testLogger())
	skills, err := loader.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(skills) != 1 {
		t.Fatalf("expected 1 loadable skill, got %d", len(skills))
	}
	if skills[0].Tools["spegni_notiziario"].Timeout != 3*time.Second {
		t.Error("default timeout not applied")
	}

	reg := NewRegistry(testLogger())
	if err := reg.Register(RegisteredFunction{Name: "spegni_notiziario", Handler: sayHandler("x")}); err != nil {
		t.Fatal(err)
	}
	n := RegisterExternal(reg, skills, NewExecutor(testLogger()), testLogger())
	if n != 1 {
		t.Fatalf("expected 1 external function (one collides), got %d", n)
	}

	fn, ok := reg.Lookup("notizie_italia")
	if !ok {
		t.Fatal("external tool not registered")
	}
	if fn.Source != "notizie" || fn.Description != "Legge i titoli del giorno" {
		t.Errorf("unexpected function: %+v", fn)
	}

	res := Invoke(context.Background(), fn, nil, types.Args{"categoria": "sport"})
	if res.Failed() {
		t.Fatalf("invoke failed: %v", res.Err)
	}
	if res.Outcome.Spoken() != "Titoli sport" {
		t.Errorf("unexpected spoken output %q", res.Outcome.Spoken())
	}
}

func TestLoadFSManifests(t *testing.T) {
	fsys := fstest.MapFS{
		"crlf/SKILL.md":      {Data: []byte("---\r\nname: crlf\r\nversion: 0.1.0\r\n---\r\n# Titolo\r\n")},
		"crlf/agent.toml":    {Data: []byte(testAgentTOML)},
		"aperto/SKILL.md":    {Data: []byte("---\nname: aperto\n")},
		"aperto/agent.toml":  {Data: []byte(testAgentTOML)},
		"anonimo/SKILL.md":   {Data: []byte("---\nversion: 1.0.0\n---\n")},
		"anonimo/agent.toml": {Data: []byte(testAgentTOML)},
		".nascosto/SKILL.md": {Data: []byte(testManifest)},
	}
	skills, err := NewLoaderFS(fsys, "/opt/skills", 0, testLogger()).LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(skills) != 1 || skills[0].Manifest.Name != "crlf" || skills[0].Manifest.Version != "0.1.0" {
		t.Fatalf("skills = %+v", skills)
	}
	if skills[0].Dir != filepath.Join("/opt/skills", "crlf") {
		t.Errorf("dir = %q", skills[0].Dir)
	}
	if skills[0].Tools["notizie_italia"].Timeout != 5*time.Second || skills[0].Tools["spegni_notiziario"].Timeout != defaultToolTimeout {
		t.Error("tool timeouts not resolved")
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	skills, err := NewLoader(filepath.Join(t.TempDir(), "nope"), 0, testLogger()).LoadAll()
	if err != nil || skills != nil {
		t.Errorf("expected nil, nil; got %v, %v", skills, err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	tool := &ToolDef{Name: "slow", Command: "sleep", Args: []string{"10"}, Timeout: 100 * time.Millisecond}
	skill := &Skill{Manifest: SkillManifest{Name: "test"}, Dir: t.TempDir()}

	start := time.Now()
	res := NewExecutor(testLogger()).Execute(context.Background(), tool, skill, nil)
	if res.Err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not enforced")
	}
	if !strings.Contains(res.Err.Error(), "timed out") {
		t.Errorf("unexpected error: %v", res.Err)
	}
}

func TestExecuteEnvArgs(t *testing.T) {
	tool := &ToolDef{Name: "env", Command: "sh", Args: []string{"-c", "echo $SKILL_ARG_CITY-$NEWS_REGION"}, Timeout: 5 * time.Second}
	skill := &Skill{Manifest: SkillManifest{Name: "t", Env: []string{"NEWS_REGION=it"}}, Dir: t.TempDir()}

	res := NewExecutor(testLogger()).Execute(context.Background(), tool, skill, map[string]string{"city": "roma"})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if strings.TrimSpace(res.Stdout) != "roma-it" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
}

func TestParseToolOutput(t *testing.T) {
	tests := []struct {
		in      string
		kind    OutcomeKind
		wantErr bool
	}{
		{"Ciao a tutti\n", KindRespond, false},
		{`{"outcome":"respond","display":"**x**","spoken":"x"}`, KindRespond, false},
		{`{"outcome":"model","seed":"riassumi"}`, KindRequestModelPhrasing, false},
		{`{"outcome":"none"}`, KindNone, false},
		{`{"outcome":"dance"}`, KindInvalid, true},
		{`{"outcome":"model"}`, KindInvalid, true},
		{"  ", KindInvalid, true},
		{"{not json", KindRespond, false},
	}
	for _, tt := range tests {
		o, err := parseToolOutput(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.in, err)
			continue
		}
		if o.Kind() != tt.kind {
			t.Errorf("%q: kind = %s, want %s", tt.in, o.Kind(), tt.kind)
		}
	}
}
