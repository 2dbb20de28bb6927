// Package prompts holds the per-role prompt templates, baked into the binary.
// Each role has a system instruction and a user prompt; both are rendered with
// text/template so the dynamic JSON slice stays apart from the instructions.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"crewplan/internal/logging"
)

//go:embed roles/*.yaml
var embeddedRoles embed.FS

// roleFile is the YAML shape of one role's prompts.
type roleFile struct {
	Role   string `yaml:"role"`
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Template is a parsed role prompt pair.
type Template struct {
	Role   string
	system *template.Template
	user   *template.Template
}

// Rendered is a ready-to-send prompt.
type Rendered struct {
	System string
	User   string
}

// Set is a collection of role templates.
type Set struct {
	byRole map[string]*Template
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	},
}

// LoadEmbedded parses the built-in templates.
func LoadEmbedded() (*Set, error) {
	return LoadFS(embeddedRoles, "roles")
}

// LoadFS parses every .yaml file under dir in fsys.
func LoadFS(fsys fs.FS, dir string) (*Set, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt dir: %w", err)
	}

	set := &Set{byRole: make(map[string]*Template, len(entries))}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		var rf roleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", e.Name(), err)
		}
		if rf.Role == "" {
			rf.Role = strings.TrimSuffix(e.Name(), ".yaml")
		}

		tpl := &Template{Role: rf.Role}
		if tpl.system, err = template.New(rf.Role + ".system").Funcs(funcs).Option("missingkey=error").Parse(rf.System); err != nil {
			return nil, fmt.Errorf("role %s system template: %w", rf.Role, err)
		}
		if tpl.user, err = template.New(rf.Role + ".user").Funcs(funcs).Option("missingkey=error").Parse(rf.User); err != nil {
			return nil, fmt.Errorf("role %s user template: %w", rf.Role, err)
		}
		set.byRole[rf.Role] = tpl
	}
	logging.BootDebug("loaded %d prompt templates", len(set.byRole))
	return set, nil
}

// Roles returns the roles with templates.
func (s *Set) Roles() []string {
	out := make([]string, 0, len(s.byRole))
	for r := range s.byRole {
		out = append(out, r)
	}
	return out
}

// Render fills role's templates with data.
func (s *Set) Render(role string, data any) (Rendered, error) {
	tpl, ok := s.byRole[role]
	if !ok {
		return Rendered{}, fmt.Errorf("no prompt template for role %q", role)
	}
	var sys, user bytes.Buffer
	if err := tpl.system.Execute(&sys, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s system prompt: %w", role, err)
	}
	if err := tpl.user.Execute(&user, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s user prompt: %w", role, err)
	}
	return Rendered{System: strings.TrimSpace(sys.String()), User: strings.TrimSpace(user.String())}, nil
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the embedded set, parsed once.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = LoadEmbedded()
	})
	return defaultSet, defaultErr
}
