package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ccswarm/engine/pkg/config"
)

func TestResolvedBaseDirDefaultsWhenEmpty(t *testing.T) {
	l := config.LoggingConfig{}
	want := filepath.Join(".ccswarm", "logs")
	if got := l.ResolvedBaseDir(); got != want {
		t.Fatalf("expected default %q, got %q", want, got)
	}
}

func TestResolvedBaseDirExpandsHomePrefix(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtimeIsWindows() {
		t.Skip("home expansion relies on os.UserHomeDir reading HOME")
	}

	l := config.LoggingConfig{BaseDir: "~/logs/ccswarm"}
	want := filepath.Join(home, "logs", "ccswarm")
	if got := l.ResolvedBaseDir(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestResolvedBaseDirBareTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	l := config.LoggingConfig{BaseDir: "~"}
	if got := l.ResolvedBaseDir(); got != filepath.Clean(home) {
		t.Fatalf("expected bare ~ to expand to home %q, got %q", home, got)
	}
}

func TestResolvedBaseDirLeavesAbsolutePathUntouched(t *testing.T) {
	l := config.LoggingConfig{BaseDir: "/var/log/ccswarm"}
	if got := l.ResolvedBaseDir(); got != filepath.Clean("/var/log/ccswarm") {
		t.Fatalf("expected absolute path untouched, got %q", got)
	}
}

func runtimeIsWindows() bool {
	return os.PathSeparator == '\\'
}
