package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"Aegis-Evaluator/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "judge.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestJudgeParsesConfidence(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"confidence\": 72.6, \"rationale\": \"ok\"}'\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Judge(context.Background(), llm.Request{QuestID: 1, AgentID: 2, Output: "hello"})
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if resp.Confidence != 73 || resp.Rationale != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestJudgeUsesLastJSONLine(t *testing.T) {
	script := writeScript(t, "read -r body\necho \"loading model\"\necho '{\"confidence\": 10}'\necho '{\"confidence\": 88, \"rationale\": \"final\"}'\n")
	client, err := NewClient("sh", script, t.TempDir())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Judge(context.Background(), llm.Request{QuestID: 3, AgentID: 4, Output: "answer"})
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if resp.Confidence != 88 || resp.Rationale != "final" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestJudgeFailures(t *testing.T) {
	cases := map[string]string{
		"non-zero exit":      "echo boom >&2\nexit 3\n",
		"not json":           "echo nope\n",
		"missing confidence": "echo '{\"rationale\":\"x\"}'\n",
		"only logs":          "echo starting\necho done\n",
	}
	for name, body := range cases {
		script := writeScript(t, body)
		client, _ := NewClient("sh", script, "")
		if _, err := client.Judge(context.Background(), llm.Request{Output: "x"}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestJudgeHonoursContext(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")
	client, _ := NewClient("sh", script, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Judge(ctx, llm.Request{Output: "x"}); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "judge.py"); got != filepath.Join("/srv", "judge.py") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/srv", "/opt/judge.py"); got != "/opt/judge.py" {
		t.Fatalf("absolute path changed: %s", got)
	}
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error for empty script")
	}
}
