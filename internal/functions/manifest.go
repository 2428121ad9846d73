package functions

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the functions offered to the model.
type Manifest struct {
	Functions []Description `yaml:"functions"`
}

// Description is the model-facing declaration of a function, optionally
// bound to an external handler.
type Description struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Handler     *HandlerSpec   `yaml:"handler,omitempty"`
}

type HandlerSpec struct {
	Mode      string            `yaml:"mode"` // exec, http
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	TimeoutMS int               `yaml:"timeout_ms"`
}

// LoadManifest reads a YAML or JSON function file. Both a bare list of
// descriptions and a document with a top-level "functions" key are
// accepted.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read function manifest: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Manifest{}, fmt.Errorf("parse function manifest: %w", err)
	}
	if len(doc.Content) == 0 {
		return Manifest{}, fmt.Errorf("function manifest %s is empty", path)
	}
	var m Manifest
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&m.Functions)
	case yaml.MappingNode:
		err = root.Decode(&m)
	default:
		err = fmt.Errorf("expected a list or mapping")
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("decode function manifest: %w", err)
	}
	return m, nil
}

// Validate ensures every description can be offered to the model.
func Validate(m Manifest) error {
	seen := make(map[string]struct{}, len(m.Functions))
	for i, fn := range m.Functions {
		name := normalize(fn.Name)
		if name == "" {
			return fmt.Errorf("functions[%d].name is required", i)
		}
		if name == EndCall {
			return fmt.Errorf("functions[%d]: %s is reserved", i, EndCall)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("functions[%d]: duplicate name %q", i, fn.Name)
		}
		seen[name] = struct{}{}
		if fn.Parameters != nil {
			if typ, _ := fn.Parameters["type"].(string); typ != "object" {
				return fmt.Errorf("functions[%d].parameters.type must be \"object\"", i)
			}
		}
		if fn.Handler == nil {
			continue
		}
		switch strings.ToLower(fn.Handler.Mode) {
		case "exec":
			if strings.TrimSpace(fn.Handler.Command) == "" {
				return fmt.Errorf("functions[%d].handler.command is required for exec", i)
			}
		case "http":
			if fn.Handler.URL == "" {
				return fmt.Errorf("functions[%d].handler.url is required for http", i)
			}
		default:
			return fmt.Errorf("functions[%d].handler.mode %q not supported", i, fn.Handler.Mode)
		}
		if fn.Handler.TimeoutMS < 0 {
			return fmt.Errorf("functions[%d].handler.timeout_ms must be >= 0", i)
		}
	}
	return nil
}

// EndCallDescription is always offered so the model can hang up.
func EndCallDescription() Description {
	return Description{
		Name:        EndCall,
		Description: "Ends the phone call. Call it only after saying goodbye to the caller.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}
