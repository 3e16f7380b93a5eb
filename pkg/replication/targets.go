package replication

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxTargets caps a target list.
const MaxTargets = 10

type targetFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads a target list and returns its first factor entries. Files
// ending in .yaml or .yml hold `targets: [{host, port}]`; anything else is one
// "host port" pair per line with # comments.
func LoadTargets(path string, factor int) ([]Target, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("replication factor must be positive, got %d", factor)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var targets []Target
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		targets, err = parseYAMLTargets(f)
	default:
		targets, err = parseTextTargets(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if len(targets) > MaxTargets {
		return nil, fmt.Errorf("%s lists %d targets, at most %d are supported", path, len(targets), MaxTargets)
	}
	if factor > len(targets) {
		return nil, fmt.Errorf("replication factor %d exceeds the %d targets in %s", factor, len(targets), path)
	}
	return targets[:factor], nil
}

func parseTextTargets(r io.Reader) ([]Target, error) {
	var out []Target
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"host port\", got %q", line, strings.TrimSpace(text))
		}
		t, err := newTarget(fields[0], fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, t)
	}
	return out, sc.Err()
}

func parseYAMLTargets(r io.Reader) ([]Target, error) {
	var tf targetFile
	if err := yaml.NewDecoder(r).Decode(&tf); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for i, t := range tf.Targets {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
	}
	return tf.Targets, nil
}

func newTarget(host, port string) (Target, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return Target{}, fmt.Errorf("invalid port %q", port)
	}
	t := Target{Host: host, Port: p}
	return t, t.validate()
}

func (t Target) validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return errors.New("empty host")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("port %d out of range", t.Port)
	}
	return nil
}
