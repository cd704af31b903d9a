// Package history keeps the lines typed into an interactive session so they
// survive between runs.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
)

// DefaultMaxEntries bounds the stored history.
const DefaultMaxEntries = 200

// Prompts is an ordered, de-duplicated list of submitted lines. An empty path
// keeps the history in memory only.
type Prompts struct {
	mu      sync.Mutex
	path    string
	entries []string
	max     int
}

func NewPrompts(path string, max int) *Prompts {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Prompts{path: path, max: max}
}

// DefaultPath is ~/.config/tokenopt/chat_history.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tokenopt", "chat_history"), nil
}

// Add appends line, moving an earlier identical entry to the end, and saves.
func (p *Prompts) Add(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.entries {
		if existing == line {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	p.entries = append(p.entries, line)
	if len(p.entries) > p.max {
		p.entries = p.entries[len(p.entries)-p.max:]
	}
	return p.save()
}

// Recent returns up to n entries, oldest first. n <= 0 returns all of them.
func (p *Prompts) Recent(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := 0
	if n > 0 && n < len(p.entries) {
		start = len(p.entries) - n
	}
	return append([]string(nil), p.entries[start:]...)
}

// Load replaces the in-memory entries with the file's. A missing file is an
// empty history.
func (p *Prompts) Load() error {
	if p.path == "" {
		return nil
	}
	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			entries = append(entries, unescape(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(entries) > p.max {
		entries = entries[len(entries)-p.max:]
	}

	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()
	return nil
}

func (p *Prompts) save() error {
	if p.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	var b strings.Builder
	for _, e := range p.entries {
		b.WriteString(escape(e))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(p.path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// escape keeps one entry per line: backslashes first, then newlines.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
