package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gravity-claw/internal/config"
	"gravity-claw/internal/knowledge"
	"gravity-claw/internal/push"
	"gravity-claw/internal/skills"
	"gravity-claw/internal/tools"
)

type stubRunner struct {
	calls []string
	fail  string
}

func (s *stubRunner) Delegate(_ context.Context, role, task string, depth int) (string, error) {
	s.calls = append(s.calls, fmt.Sprintf("%s|%s|%d", role, task, depth))
	if s.fail != "" && role == s.fail {
		return "", errors.New("subagent exploded")
	}
	return "[" + role + "] " + task, nil
}

type stubSkills map[string]skills.Skill

func (s stubSkills) Find(name string) (skills.Skill, bool) {
	skill, ok := s[name]
	return skill, ok
}

func newRegistry(t *testing.T, deps Deps) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	if err := Register(reg, deps); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func call(reg *tools.Registry, name, args string) tools.Result {
	return reg.Execute(context.Background(), tools.Invocation{Name: name, Arguments: json.RawMessage(args), SessionID: "s1"})
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	reg := newRegistry(t, Deps{Now: func() time.Time { return fixed }})
	result := call(reg, "get_current_time", `{}`)
	if result.Text != `{"time":"2026-03-01T08:00:00Z"}` {
		t.Fatalf("unexpected time result %q", result.Text)
	}
}

func TestShellAllowlist(t *testing.T) {
	reg := newRegistry(t, Deps{Config: config.ToolsConfig{AllowedShellCommands: []string{"echo"}}})

	var blocked ShellResult
	_ = json.Unmarshal([]byte(call(reg, "execute_shell_command", `{"command":"rm -rf /"}`).Text), &blocked)
	if blocked.ExitCode != 403 || !strings.HasPrefix(blocked.Stderr, "SECURITY BLOCK: The command 'rm'") {
		t.Fatalf("expected security block, got %+v", blocked)
	}

	var ok ShellResult
	_ = json.Unmarshal([]byte(call(reg, "execute_shell_command", `{"command":"echo hello"}`).Text), &ok)
	if ok.ExitCode != 0 || ok.Stdout != "hello" {
		t.Fatalf("unexpected shell result %+v", ok)
	}

	if res := call(reg, "execute_shell_command", `{}`); !res.IsError {
		t.Fatalf("missing command should fail schema validation")
	}
}

func TestShellWildcardAndExitCode(t *testing.T) {
	handler := Shell([]string{"*"}, time.Second)
	res, err := handler.Execute(context.Background(), tools.Invocation{Arguments: json.RawMessage(`{"command":"sh -c 'exit 3'"}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out ShellResult
	_ = json.Unmarshal([]byte(res.Text), &out)
	if out.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %+v", out)
	}
}

func TestFilesStayInsideRoots(t *testing.T) {
	root := t.TempDir()
	reg := newRegistry(t, Deps{Config: config.ToolsConfig{AllowedFilePaths: []string{root}}})

	target := filepath.Join(root, "notes", "a.txt")
	if res := call(reg, "write_file", fmt.Sprintf(`{"path":%q,"content":"hi"}`, target)); res.IsError {
		t.Fatalf("write failed: %s", res.Text)
	}
	if res := call(reg, "read_file", fmt.Sprintf(`{"path":%q}`, target)); res.Text != `{"content":"hi"}` {
		t.Fatalf("unexpected read %q", res.Text)
	}
	if res := call(reg, "list_directory", fmt.Sprintf(`{"path":%q}`, filepath.Join(root, "notes"))); res.Text != `{"files":["a.txt"]}` {
		t.Fatalf("unexpected listing %q", res.Text)
	}

	outside := call(reg, "read_file", fmt.Sprintf(`{"path":%q}`, root+"-sibling/secret"))
	if !outside.IsError || !strings.Contains(outside.Text, "SECURITY BLOCK") {
		t.Fatalf("expected security block for sibling dir, got %q", outside.Text)
	}
}

func TestMemoryAndGraphTools(t *testing.T) {
	reg := newRegistry(t, Deps{Documents: knowledge.NewMemoryDocuments(), Graph: knowledge.NewMemoryGraph()})

	if res := call(reg, "save_to_memory", `{"content":"Glenn prefers email"}`); res.Text != `{"message":"Saved to memory.","success":true}` {
		t.Fatalf("unexpected save result %q", res.Text)
	}
	if res := call(reg, "search_memory", `{"query":"email"}`); res.Text != `{"results":["Glenn prefers email"]}` {
		t.Fatalf("unexpected search result %q", res.Text)
	}

	res := call(reg, "add_to_graph", `{"triples":[{"subject":"Glenn","predicate":"works_at","object":"Willow"}]}`)
	if res.Text != "Successfully added 1 facts to the Knowledge Graph." {
		t.Fatalf("unexpected add result %q", res.Text)
	}
	res = call(reg, "query_graph", `{"entity":"willow"}`)
	if res.Text != "Knowledge Graph results for 'willow':\n(Glenn) -[works_at]-> (Willow)" {
		t.Fatalf("unexpected query result %q", res.Text)
	}
	if res := call(reg, "query_graph", `{"entity":"nobody"}`); !strings.HasPrefix(res.Text, "No known relationships") {
		t.Fatalf("unexpected empty result %q", res.Text)
	}
}

func TestCanvasBroadcasts(t *testing.T) {
	var got []push.Payload
	var scopes []string
	reg := newRegistry(t, Deps{Publisher: push.PublisherFunc(func(p push.Payload, scope string) {
		got = append(got, p)
		scopes = append(scopes, scope)
	})})
	res := call(reg, "update_canvas", `{"content":"# Hello"}`)
	if res.Text != "Live Canvas updated successfully." {
		t.Fatalf("unexpected result %q", res.Text)
	}
	if len(got) != 1 || got[0].Content != "# Hello" || got[0].Type != push.TypeMarkdown || scopes[0] != "" {
		t.Fatalf("unexpected push %+v %v", got, scopes)
	}
}

const ddgPage = `<html><body>
<div class="result"><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa&rut=x">First</a><a class="result__snippet">one</a></div>
<div class="result"><a class="result__a" href="https://example.com/b">Second</a><a class="result__snippet">two</a></div>
<div class="result"><a class="result__a" href="https://example.com/c">Third</a></div>
<div class="result"><a class="result__a" href="https://example.com/d">Fourth</a></div>
<div class="result"><a class="result__a" href="https://example.com/e">Fifth</a></div>
</body></html>`

func TestWebSearchParsesTopResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "austin rates" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	handler := WebSearch(srv.URL, srv.Client())
	res, err := handler.Execute(context.Background(), tools.Invocation{Arguments: json.RawMessage(`{"query":"austin rates"}`)})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var out struct {
		Results []SearchResult `json:"results"`
	}
	_ = json.Unmarshal([]byte(res.Text), &out)
	if len(out.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(out.Results))
	}
	if out.Results[0].URL != "https://example.com/a" || out.Results[0].Description != "one" {
		t.Fatalf("unexpected first result %+v", out.Results[0])
	}
}

func TestWebSearchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	reg := newRegistry(t, Deps{Config: config.ToolsConfig{SearchURL: srv.URL}, HTTPClient: srv.Client()})
	res := call(reg, "search_web", `{"query":"x"}`)
	if res.Text != `{"error":"Failed to search the web."}` {
		t.Fatalf("unexpected failure result %q", res.Text)
	}
}

func TestReadSkill(t *testing.T) {
	reg := newRegistry(t, Deps{Skills: stubSkills{"pricing": {Name: "pricing", Description: "d", Instructions: "cite comps"}}})
	if res := call(reg, "read_skill", `{"name":"pricing"}`); !strings.Contains(res.Text, `"instructions":"cite comps"`) {
		t.Fatalf("unexpected skill result %q", res.Text)
	}
	if res := call(reg, "read_skill", `{"name":"missing"}`); !res.IsError {
		t.Fatalf("expected error for missing skill")
	}
}

func TestDelegatePassesDepth(t *testing.T) {
	runner := &stubRunner{}
	reg := newRegistry(t, Deps{Subagents: runner})
	res := reg.Execute(context.Background(), tools.Invocation{
		Name:      "delegate_to_subagent",
		Arguments: json.RawMessage(`{"role":"Analyst","task":"compare"}`),
		Depth:     1,
	})
	if res.Text != `{"result":"[Analyst] compare"}` {
		t.Fatalf("unexpected result %q", res.Text)
	}
	if runner.calls[0] != "Analyst|compare|1" {
		t.Fatalf("depth not propagated: %v", runner.calls)
	}
}

func TestMeshWorkflowChainsSteps(t *testing.T) {
	dir := t.TempDir()
	workflow := `
steps:
  - id: research
    action: delegate_to_subagent
    args:
      role: Researcher
      task: "Study {{input}}"
  - id: write
    action: delegate_to_subagent
    args:
      role: Writer
      task: "Summarize {{research.result}} and {{unknown}}"
`
	if err := os.WriteFile(filepath.Join(dir, "deep.yaml"), []byte(workflow), 0o600); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	runner := &stubRunner{}
	reg := newRegistry(t, Deps{Config: config.ToolsConfig{WorkflowsDir: dir}, Subagents: runner})

	res := call(reg, "execute_mesh_workflow", `{"workflow_name":"deep","initial_input":"Pine Ct"}`)
	var out MeshResult
	if err := json.Unmarshal([]byte(res.Text), &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, res.Text)
	}
	if !out.Success || out.FinalResult != "[Writer] Summarize [Researcher] Study Pine Ct and {{unknown}}" {
		t.Fatalf("unexpected mesh result %+v", out)
	}
	if out.Trace["research.result"] != "[Researcher] Study Pine Ct" {
		t.Fatalf("trace missing step result: %+v", out.Trace)
	}

	runner.fail = "Researcher"
	failed := call(reg, "execute_mesh_workflow", `{"workflow_name":"deep","initial_input":"x"}`)
	if !failed.IsError || !strings.Contains(failed.Text, "Workflow failed: Sub-agent error in step research") {
		t.Fatalf("unexpected failure %q", failed.Text)
	}
	if res := call(reg, "execute_mesh_workflow", `{"workflow_name":"../etc/passwd","initial_input":"x"}`); !res.IsError {
		t.Fatalf("path traversal must be rejected")
	}
}

func TestHandlersSkipMissingDeps(t *testing.T) {
	names := map[string]bool{}
	for _, h := range Handlers(Deps{}) {
		names[h.Declaration().Name] = true
	}
	for _, name := range []string{"get_current_time", "execute_shell_command", "read_file", "search_web"} {
		if !names[name] {
			t.Fatalf("expected %s to be registered", name)
		}
	}
	for _, name := range []string{"save_to_memory", "update_canvas", "browser_navigate", "delegate_to_subagent"} {
		if names[name] {
			t.Fatalf("%s should require its dependency", name)
		}
	}
	if len(NewBrowser(config.BrowserConfig{}).Handlers()) != 5 {
		t.Fatalf("unexpected browser tool count")
	}
}
