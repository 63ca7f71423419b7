package pool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gateway-fm/inkrunner/internal/jitter"
)

func writeLines(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadLines(t *testing.T) {
	path := writeLines(t, t.TempDir(), "names.txt", "  Alpha \n\n# comment\nBeta\r\n")
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines() error = %v", err)
	}
	if len(lines) != 2 || lines[0] != "Alpha" || lines[1] != "Beta" {
		t.Errorf("ReadLines() = %q, want [Alpha Beta]", lines)
	}
}

func TestLoadToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	names := writeLines(t, dir, "names.txt", "Alpha\n")
	p, err := Load(names, filepath.Join(dir, "missing.txt"), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(p.Names) != 1 || len(p.Symbols) != 0 || len(p.Domains) != 0 {
		t.Errorf("Load() = %+v", p)
	}
}

func TestRandomNameSymbolStaysPaired(t *testing.T) {
	p := &Pool{
		Names:   []string{"Alpha", "Beta", "Gamma"},
		Symbols: []string{"ALP", "BET"},
	}
	pairs := map[string]string{"Alpha": "ALP", "Beta": "BET"}
	src := jitter.NewSeeded(3)
	for i := 0; i < 50; i++ {
		name, symbol, err := p.RandomNameSymbol(src)
		if err != nil {
			t.Fatal(err)
		}
		if pairs[name] != symbol {
			t.Fatalf("RandomNameSymbol() = (%s, %s), not a zipped pair", name, symbol)
		}
	}
}

func TestRandomNameSymbolEmpty(t *testing.T) {
	p := &Pool{Names: []string{"Alpha"}}
	if _, _, err := p.RandomNameSymbol(jitter.NewRand()); !errors.Is(err, ErrEmptyPool) {
		t.Errorf("err = %v, want ErrEmptyPool", err)
	}
}

func TestDomainPoolMismatch(t *testing.T) {
	p := &Pool{Domains: []string{"alice", "bob"}}

	for i := 0; i < 3; i++ {
		if _, err := p.Domain(i, 3); !errors.Is(err, ErrDomainPoolMismatch) {
			t.Errorf("Domain(%d, 3) err = %v, want ErrDomainPoolMismatch", i, err)
		}
	}

	got, err := p.Domain(1, 2)
	if err != nil || got != "bob" {
		t.Errorf("Domain(1, 2) = (%q, %v), want bob", got, err)
	}
}
