package knowledge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/fsutil"
)

// Layout of the human-inspectable knowledge base directory
const (
	PatternsDir   = "failure_patterns"
	IndexFile     = "README.md"
	FrequencyFile = "pattern_frequency.json"
)

// PlaceholderRootCause seeds patterns documented automatically
const PlaceholderRootCause = "Not yet analyzed. Refine this section once the cause is understood."

// Frontmatter is the YAML header of a pattern document
type Frontmatter struct {
	ID          string               `yaml:"id"`
	Name        string               `yaml:"name"`
	Category    string               `yaml:"category"`
	Status      domain.PatternStatus `yaml:"status"`
	Occurrences int                  `yaml:"occurrences"`
	FirstSeen   time.Time            `yaml:"first_seen"`
	LastSeen    time.Time            `yaml:"last_seen"`
	FixFile     string               `yaml:"fix_file,omitempty"`
	Placeholder bool                 `yaml:"placeholder,omitempty"`
}

// FrequencyEntry is one row of pattern_frequency.json
type FrequencyEntry struct {
	Count     int                  `json:"count"`
	FirstSeen time.Time            `json:"first_seen"`
	LastSeen  time.Time            `json:"last_seen"`
	Status    domain.PatternStatus `json:"status"`
}

// Export writes the pattern documents, the index and the frequency file under dir.
// It holds the writer lock so concurrent exports never publish older counts last.
func (s *Store) Export(ctx context.Context, dir string) error {
	return s.withWriter(func() error {
		return s.export(ctx, dir)
	})
}

func (s *Store) export(ctx context.Context, dir string) error {
	patterns, err := s.List(ctx, ListOptions{})
	if err != nil {
		return err
	}

	for _, p := range patterns {
		path := filepath.Join(dir, PatternsDir, p.ID+".md")
		data := RenderPattern(p)
		if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, data) {
			continue
		}
		if err := fsutil.AtomicWrite(path, data); err != nil {
			return fmt.Errorf("writing %s: %w", p.ID, err)
		}
	}

	if err := fsutil.AtomicWrite(filepath.Join(dir, IndexFile), RenderIndex(patterns)); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}

	freq := make(map[string]FrequencyEntry, len(patterns))
	for _, p := range patterns {
		freq[p.ID] = FrequencyEntry{
			Count:     p.Occurrences,
			FirstSeen: p.FirstSeen,
			LastSeen:  p.LastSeen,
			Status:    p.Status,
		}
	}
	data, err := json.MarshalIndent(freq, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(filepath.Join(dir, FrequencyFile), append(data, '\n'))
}

// RenderPattern formats one pattern document
func RenderPattern(p *domain.FailurePattern) []byte {
	fm := Frontmatter{
		ID:          p.ID,
		Name:        p.Name,
		Category:    p.Category,
		Status:      p.Status,
		Occurrences: p.Occurrences,
		FirstSeen:   p.FirstSeen.UTC(),
		LastSeen:    p.LastSeen.UTC(),
		FixFile:     p.Fix.File,
		Placeholder: p.Fix.Placeholder,
	}
	header, _ := yaml.Marshal(fm)

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", p.Name)
	b.WriteString("## Error Signature\n\n")
	writeFence(&b, p.Signature)
	b.WriteString("## Root Cause\n\n")
	b.WriteString(strings.TrimSpace(p.RootCause) + "\n\n")
	b.WriteString("## Fix Pattern\n\n")
	b.WriteString("### Before\n\n")
	writeFence(&b, p.Fix.Before)
	b.WriteString("### After\n\n")
	writeFence(&b, p.Fix.After)
	b.WriteString("### Notes\n\n")
	if notes := strings.TrimSpace(p.Fix.Notes); notes != "" {
		b.WriteString(notes + "\n")
	}
	return b.Bytes()
}

func writeFence(b *bytes.Buffer, content string) {
	b.WriteString("```\n")
	if c := strings.TrimRight(content, "\n"); c != "" {
		b.WriteString(c + "\n")
	}
	b.WriteString("```\n\n")
}

// RenderIndex formats the README index, most frequent patterns first
func RenderIndex(patterns []*domain.FailurePattern) []byte {
	sorted := append([]*domain.FailurePattern(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Occurrences > sorted[j].Occurrences
	})

	var b bytes.Buffer
	b.WriteString("# Failure Patterns\n\n")
	fmt.Fprintf(&b, "%d documented patterns.\n\n", len(sorted))
	b.WriteString("| Pattern | Name | Category | Count | Last Seen | Status |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, p := range sorted {
		fmt.Fprintf(&b, "| [%s](%s/%s.md) | %s | %s | %d | %s | %s |\n",
			p.ID, PatternsDir, p.ID, strings.ReplaceAll(p.Name, "|", "\\|"),
			p.Category, p.Occurrences, p.LastSeen.UTC().Format("2006-01-02"), p.Status)
	}
	return b.Bytes()
}

// ParsePattern reads a pattern document back into a FailurePattern
func ParsePattern(content []byte) (*domain.FailurePattern, error) {
	fm, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, err
	}
	if fm.ID == "" {
		return nil, fmt.Errorf("pattern document without id")
	}

	sections := splitSections(body)
	p := &domain.FailurePattern{
		ID:          fm.ID,
		Name:        fm.Name,
		Category:    fm.Category,
		Status:      fm.Status,
		Occurrences: fm.Occurrences,
		FirstSeen:   fm.FirstSeen,
		LastSeen:    fm.LastSeen,
		Signature:   unfence(sections["Error Signature"]),
		RootCause:   strings.TrimSpace(sections["Root Cause"]),
		Fix: domain.Fix{
			File:        fm.FixFile,
			Before:      unfence(sections["Before"]),
			After:       unfence(sections["After"]),
			Notes:       strings.TrimSpace(sections["Notes"]),
			Placeholder: fm.Placeholder,
		},
	}
	return p, nil
}

// parseFrontmatter extracts YAML frontmatter from markdown content
func parseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, nil, fmt.Errorf("missing frontmatter")
	}

	// Find end of frontmatter
	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return nil, nil, fmt.Errorf("unterminated frontmatter")
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(rest[:endIdx], &fm); err != nil {
		return nil, nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	return &fm, bytes.TrimLeft(rest[endIdx+4:], "\n"), nil
}

// splitSections maps "## " and "### " headings to their text
func splitSections(body []byte) map[string]string {
	sections := make(map[string]string)
	var current string
	var buf strings.Builder
	inFence := false

	flush := func() {
		if current != "" {
			sections[current] = buf.String()
		}
		buf.Reset()
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
		}
		if !inFence {
			if h, ok := strings.CutPrefix(line, "### "); ok {
				flush()
				current = strings.TrimSpace(h)
				continue
			}
			if h, ok := strings.CutPrefix(line, "## "); ok {
				flush()
				current = strings.TrimSpace(h)
				continue
			}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return sections
}

// unfence returns the content of the first fenced block, or the trimmed text
func unfence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	var out []string
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "```") {
			break
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// ImportDir refines stored patterns from edited documents in dir and returns
// the IDs that changed. Documents for unknown IDs are skipped.
func (s *Store) ImportDir(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, PatternsDir, "*.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return s.ImportFiles(ctx, files)
}

// ImportFiles refines stored patterns from the given documents
func (s *Store) ImportFiles(ctx context.Context, files []string) ([]string, error) {
	var changed []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return changed, err
		}
		p, err := ParsePattern(data)
		if err != nil {
			return changed, fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		ok, err := s.Refine(ctx, p)
		if err != nil {
			if errors.Is(err, ErrPatternNotFound) {
				continue
			}
			return changed, err
		}
		if ok {
			changed = append(changed, p.ID)
		}
	}
	return changed, nil
}
