package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "config", "session", "usage"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigureLogging(t *testing.T) {
	if err := configureLogging("debug", "json"); err != nil {
		t.Fatalf("configureLogging() error = %v", err)
	}
	if err := configureLogging("nope", "json"); err == nil {
		t.Fatal("configureLogging() expected error for bad level")
	}
	if err := configureLogging("info", "xml"); err == nil {
		t.Fatal("configureLogging() expected error for bad format")
	}
	if err := configureLogging("info", "text"); err != nil {
		t.Fatalf("configureLogging() error = %v", err)
	}
}
