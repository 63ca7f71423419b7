// Package pool loads the text files that feed contract names, symbols and
// per-account domain names.
package pool

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/gateway-fm/inkrunner/internal/jitter"
)

var (
	// ErrEmptyPool is returned when a name or symbol is requested from an empty pool.
	ErrEmptyPool = errors.New("pool is empty")
	// ErrDomainPoolMismatch is returned when the domain list does not have
	// exactly one entry per account.
	ErrDomainPoolMismatch = errors.New("number of domain names doesn't match the number of wallets")
)

// Pool holds candidate names, symbols and domains.
type Pool struct {
	Names   []string
	Symbols []string
	Domains []string
}

// ReadLines returns the trimmed non-empty lines of a file, skipping # comments.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// Load reads the three pool files. A missing file yields an empty list;
// any other read error is returned.
func Load(namesPath, symbolsPath, domainsPath string) (*Pool, error) {
	p := &Pool{}
	for _, f := range []struct {
		path string
		dst  *[]string
	}{
		{namesPath, &p.Names},
		{symbolsPath, &p.Symbols},
		{domainsPath, &p.Domains},
	} {
		if f.path == "" {
			continue
		}
		lines, err := ReadLines(f.path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		*f.dst = lines
	}
	return p, nil
}

// RandomNameSymbol picks one index across the zipped name and symbol lists,
// so names and symbols stay paired. The shorter list bounds the choice.
func (p *Pool) RandomNameSymbol(src jitter.Source) (string, string, error) {
	n := min(len(p.Names), len(p.Symbols))
	if n == 0 {
		return "", "", fmt.Errorf("names/symbols: %w", ErrEmptyPool)
	}
	i := src.IntN(n)
	return p.Names[i], p.Symbols[i], nil
}

// CheckDomains verifies there is exactly one domain per account.
func (p *Pool) CheckDomains(accounts int) error {
	if len(p.Domains) != accounts {
		return fmt.Errorf("%w: %d domain names, %d wallets", ErrDomainPoolMismatch, len(p.Domains), accounts)
	}
	return nil
}

// Domain returns the domain assigned to the account at index. It fails for
// every index when the pool size differs from the account count.
func (p *Pool) Domain(index, accounts int) (string, error) {
	if err := p.CheckDomains(accounts); err != nil {
		return "", err
	}
	if index < 0 || index >= len(p.Domains) {
		return "", fmt.Errorf("domain index %d out of range", index)
	}
	return p.Domains[index], nil
}
