package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSceneID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"0", 0, false},
		{"7", 7, false},
		{"255", 255, false},
		{"0xff", 255, false},
		{"256", 0, true},
		{"-1", 0, true},
		{"relax", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSceneID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSceneID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSceneID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseKelvin(t *testing.T) {
	if got, err := parseKelvin("3000"); err != nil || got != 3000 {
		t.Errorf("parseKelvin(3000) = %d, %v", got, err)
	}
	if _, err := parseKelvin("70000"); err == nil {
		t.Error("parseKelvin(70000): expected error")
	}
}

func TestParseFloats(t *testing.T) {
	got, err := parseFloats([]string{"139", "100", "4.5"})
	if err != nil {
		t.Fatalf("parseFloats() error = %v", err)
	}
	if got[0] != 139 || got[1] != 100 || got[2] != 4.5 {
		t.Errorf("parseFloats() = %v", got)
	}
	if _, err := parseFloats([]string{"1", "x"}); err == nil {
		t.Error("parseFloats() with non-number: expected error")
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"on", "off", "scene", "color", "temp", "brightness", "scenes", "current", "serve", "init-config"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestCommandRequiresAddress(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	root := newRootCmd()
	root.SetArgs([]string{"on"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "no lamp address") {
		t.Errorf("Execute(on) error = %v, want missing address error", err)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_format: xml\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "off"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "log_format") {
		t.Errorf("Execute() error = %v, want log_format validation error", err)
	}
}

func TestInitConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"init-config"})
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute(init-config) error = %v", err)
	}
	path := filepath.Join(home, ".config", "luvoctl", "config.yaml")
	if !strings.Contains(out.String(), path) {
		t.Errorf("output = %q, want path %s", out.String(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config not written: %v", err)
	}

	out.Reset()
	root = newRootCmd()
	root.SetArgs([]string{"init-config"})
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("second Execute(init-config) error = %v", err)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Errorf("output = %q, want already exists", out.String())
	}
}
