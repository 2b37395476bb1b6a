package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/conductor/internal/queue"
)

// Plan is a set of steps forming a dependency graph.
type Plan struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Steps []Step `json:"steps" yaml:"steps" toml:"steps"`
}

// Plan file formats.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

const maxPlanSize = 1024 * 1024

// Step IDs become part of task IDs (<run>/<step>), so they may not contain '/'.
var stepIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// LoadPlan reads a plan file. The format follows the extension: .yaml,
// .yml, .toml or .json.
func LoadPlan(path string) (*Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	if info.Size() > maxPlanSize {
		return nil, fmt.Errorf("plan file too large: %d bytes (max %d)", info.Size(), maxPlanSize)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied plan path
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".toml":
		format = FormatTOML
	case ".json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("%w: unsupported plan extension %q", ErrInvalidPlan, filepath.Ext(path))
	}

	plan, err := ParsePlan(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if plan.Name == "" {
		plan.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return plan, nil
}

// ParsePlan decodes and validates a plan in the given format.
func ParsePlan(data []byte, format string) (*Plan, error) {
	var plan Plan
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&plan); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &plan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidPlan, undecoded)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&plan); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidPlan, format)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks step IDs, types and the dependency graph.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}

	ids := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if !stepIDPattern.MatchString(s.ID) {
			return fmt.Errorf("%w: step %d has invalid id %q", ErrInvalidPlan, i, s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, s.ID)
		}
		ids[s.ID] = true
		if s.Type == "" {
			return fmt.Errorf("%w: step %q has no type", ErrInvalidPlan, s.ID)
		}
		if s.MaxAttempts < 0 {
			return fmt.Errorf("%w: step %q has negative max_attempts", ErrInvalidPlan, s.ID)
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: %q depends on %q", ErrUnknownStep, s.ID, dep)
			}
		}
	}

	if _, err := p.order(); err != nil {
		return err
	}
	return nil
}

// order returns the steps in dependency order, ties kept in plan order.
func (p *Plan) order() ([]*Step, error) {
	byID := make(map[string]*Step, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		byID[s.ID] = s
		indegree[s.ID] = len(uniqueStrings(s.DependsOn))
	}
	dependents := p.dependents()

	out := make([]*Step, 0, len(p.Steps))
	var ready []string
	for _, s := range p.Steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, byID[id])
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(out) != len(p.Steps) {
		var stuck []string
		for _, s := range p.Steps {
			if indegree[s.ID] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
		return nil, fmt.Errorf("%w: steps %v", queue.ErrDependencyCycle, stuck)
	}
	return out, nil
}

// dependents maps each step ID to the IDs that depend on it directly.
func (p *Plan) dependents() map[string][]string {
	out := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range uniqueStrings(s.DependsOn) {
			out[dep] = append(out[dep], s.ID)
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
