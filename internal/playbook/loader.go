// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// namespace seeds deterministic ids for playbooks loaded without one, so a
// file keeps its id across reloads.
var namespace = uuid.MustParse("5f0c2a4e-6b1d-4f8e-9a57-0c3b9e1d7a21")

type document struct {
	ID       string         `yaml:"id"`
	OrgID    string         `yaml:"org_id"`
	Name     string         `yaml:"name"`
	Status   string         `yaml:"status"`
	Ordering string         `yaml:"ordering"`
	Steps    []stepDocument `yaml:"steps"`
}

type stepDocument struct {
	ID          string         `yaml:"id"`
	Key         string         `yaml:"key"`
	Type        string         `yaml:"type"`
	Config      map[string]any `yaml:"config"`
	DependsOn   []string       `yaml:"depends_on"`
	MaxAttempts int            `yaml:"max_attempts"`
	Timeout     string         `yaml:"timeout"`
}

// ParseYAML decodes and normalizes a playbook definition. Playbooks loaded
// from files default to ACTIVE.
func ParseYAML(data []byte) (domain.Playbook, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Playbook{}, &domain.ValidationError{Reason: "playbook definition is empty"}
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.Playbook{}, fmt.Errorf("playbook: decode definition: %w", err)
	}
	pb, err := doc.toDomain()
	if err != nil {
		return domain.Playbook{}, err
	}
	return Normalize(pb)
}

func LoadReader(r io.Reader) (domain.Playbook, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return domain.Playbook{}, fmt.Errorf("playbook: read definition: %w", err)
	}
	return ParseYAML(content)
}

func LoadFile(path string) (domain.Playbook, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.Playbook{}, fmt.Errorf("playbook: read %s: %w", path, err)
	}
	pb, err := ParseYAML(content)
	if err != nil {
		return domain.Playbook{}, fmt.Errorf("playbook: %s: %w", path, err)
	}
	return pb, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, sorted by file name.
func LoadDir(dir string) ([]domain.Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("playbook: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]domain.Playbook, 0, len(names))
	for _, name := range names {
		pb, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, nil
}

func (d document) toDomain() (domain.Playbook, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return domain.Playbook{}, &domain.ValidationError{Field: "name", Reason: "is required"}
	}

	pb := domain.Playbook{
		Name:     name,
		Status:   domain.PlaybookStatus(strings.ToUpper(strings.TrimSpace(d.Status))),
		Ordering: domain.Ordering(strings.ToLower(strings.TrimSpace(d.Ordering))),
	}
	if pb.Status == "" {
		pb.Status = domain.PlaybookActive
	}
	switch pb.Status {
	case domain.PlaybookActive, domain.PlaybookDraft, domain.PlaybookArchived:
	default:
		return domain.Playbook{}, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", d.Status)}
	}

	var err error
	if pb.ID, err = parseOrDerive(d.ID, namespace, "playbook:"+name); err != nil {
		return domain.Playbook{}, &domain.ValidationError{Field: "id", Reason: err.Error()}
	}
	if d.OrgID != "" {
		if pb.OrgID, err = uuid.Parse(d.OrgID); err != nil {
			return domain.Playbook{}, &domain.ValidationError{Field: "org_id", Reason: err.Error()}
		}
	}

	for i, s := range d.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		def := domain.StepDefinition{
			Key:         strings.TrimSpace(s.Key),
			Type:        domain.StepType(strings.TrimSpace(s.Type)),
			DependsOn:   s.DependsOn,
			MaxAttempts: s.MaxAttempts,
		}
		if def.ID, err = parseOrDerive(s.ID, pb.ID, def.Key); err != nil {
			return domain.Playbook{}, &domain.ValidationError{Field: field + ".id", Reason: err.Error()}
		}
		if s.Timeout != "" {
			if def.Timeout, err = time.ParseDuration(s.Timeout); err != nil {
				return domain.Playbook{}, &domain.ValidationError{Field: field + ".timeout", Reason: err.Error()}
			}
		}
		if len(s.Config) > 0 {
			raw, err := json.Marshal(s.Config)
			if err != nil {
				return domain.Playbook{}, &domain.ValidationError{Field: field + ".config", Reason: err.Error()}
			}
			def.Config = raw
		}
		pb.Steps = append(pb.Steps, def)
	}
	return pb, nil
}

func parseOrDerive(raw string, space uuid.UUID, name string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.NewSHA1(space, []byte(name)), nil
	}
	return uuid.Parse(raw)
}
