package responder

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed banter.yaml
var defaultBanter []byte

// Banter serves canned reply lines. `{author}` in a line is replaced with the
// message author's display name.
type Banter struct {
	lines []string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBanter builds a generator over the given lines.
func NewBanter(lines []string) *Banter {
	return newBanter(lines, time.Now().UnixNano())
}

func newBanter(lines []string, seed int64) *Banter {
	return &Banter{
		lines: lines,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

type banterFile struct {
	Lines []string `yaml:"lines"`
}

// LoadBanter reads reply lines from the YAML file at path, or from the
// embedded default set when path is empty.
func LoadBanter(path string) (*Banter, error) {
	data := defaultBanter
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("responder: read banter file: %w", err)
		}
		data = b
	}

	var bf banterFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("responder: parse banter file: %w", err)
	}

	lines := make([]string, 0, len(bf.Lines))
	for _, l := range bf.Lines {
		if s := strings.TrimSpace(l); s != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) == 0 {
		return nil, errors.New("responder: banter file has no lines")
	}
	return NewBanter(lines), nil
}

func (b *Banter) Generate(ctx context.Context, text, author string) (string, error) {
	if len(b.lines) == 0 {
		return "", errors.New("responder: no banter lines")
	}
	b.mu.Lock()
	line := b.lines[b.rng.Intn(len(b.lines))]
	b.mu.Unlock()
	return strings.ReplaceAll(line, "{author}", author), nil
}
