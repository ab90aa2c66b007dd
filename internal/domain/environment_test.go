package domain

import "testing"

func TestWorkspacePathByMode(t *testing.T) {
	cases := map[string]string{
		ModeGit:       "/repo",
		ModeSSH:       "/remote",
		ModeWorkspace: "/workspace",
		ModeTerminal:  "/workspace",
		"other":       "/workspace",
	}
	for mode, want := range cases {
		if got := WorkspacePath(mode); got != want {
			t.Errorf("WorkspacePath(%q) = %q, want %q", mode, got, want)
		}
	}
}

func TestHasChild(t *testing.T) {
	env := Environment{Children: []string{"a", "b"}}
	if !env.HasChild("a") {
		t.Fatal("expected child a")
	}
	if env.HasChild("c") {
		t.Fatal("did not expect child c")
	}
}
