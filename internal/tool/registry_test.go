package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	xerrors "AgentGuard/internal/errors"
)

func echoTool(name string, category Category) Tool {
	return New(name, category, false, func(_ context.Context, input map[string]any, _ Invocation) (Result, error) {
		return Result{Success: true, Output: name}, nil
	})
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("file.read", CategoryRead)); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := reg.Register(echoTool("file.read", CategoryRead))
	if err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if xerrors.CodeOf(err) != CodeToolDuplicate {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "Duplicate tool registration: file.read") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRegistryLookupAndList(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		echoTool("git.status", CategoryRead),
		echoTool("deploy.prod", CategoryHighImpact),
		echoTool("file.write", CategorySafeWrite),
	)

	if !reg.Has("deploy.prod") || reg.Has("rm.rf") {
		t.Fatal("Has returned wrong answer")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("Get should report missing tool")
	}
	if _, err := reg.Lookup("missing"); xerrors.CodeOf(err) != CodeToolNotFound {
		t.Fatalf("Lookup should return TOOL_NOT_FOUND, got %v", err)
	}

	want := []string{"deploy.prod", "file.write", "git.status"}
	got := reg.List()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("List not sorted: %v", got)
	}

	infos := reg.Describe()
	if len(infos) != 3 || infos[0].Category != CategoryHighImpact {
		t.Fatalf("unexpected describe output %+v", infos)
	}
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	reg.MustRegister(echoTool("a", CategoryRead), echoTool("a", CategoryRead))
}

func TestCategoryText(t *testing.T) {
	raw, err := json.Marshal(Info{Name: "x", Category: CategorySafeWrite})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"category":"safe-write"`) {
		t.Fatalf("category should marshal as text: %s", raw)
	}
	var back Info
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Category != CategorySafeWrite {
		t.Fatalf("round trip lost category: %v", back.Category)
	}
	if _, err := ParseCategory("planning"); err == nil {
		t.Fatal("unknown categories must be rejected")
	}
}
