package cmd

import "testing"

func TestRootCommandHasExpectedSubcommands(t *testing.T) {
	root := NewRootCommand()

	expected := []string{"run", "start", "stop", "restart", "status", "logs", "version", "daemon"}
	for _, name := range expected {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected subcommand %q to be registered", name)
		}
	}
}

func TestDaemonCommandIsHidden(t *testing.T) {
	root := NewRootCommand()
	for _, c := range root.Commands() {
		if c.Name() == "daemon" && !c.Hidden {
			t.Error("Expected daemon command to be hidden")
		}
	}
}
