package functions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `functions:
  - name: check_order
    description: Looks up an order by number
    parameters:
      type: object
      properties:
        order_id:
          type: string
      required: [order_id]
    handler:
      mode: http
      url: http://localhost:9000/orders
  - name: opening_hours
    description: Returns today's opening hours
`

const validJSON = `[
  {
    "type": "function",
    "name": "consulta_cep",
    "description": "Looks up an address by postal code",
    "parameters": {"type": "object", "properties": {"cep": {"type": "string"}}}
  }
]`

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifestYAML(t *testing.T) {
	m, err := LoadManifest(writeFile(t, "functions.yaml", validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(m.Functions) != 2 {
		t.Fatalf("expected 2 functions, got %d", len(m.Functions))
	}
	if m.Functions[0].Handler == nil || m.Functions[0].Handler.Mode != "http" {
		t.Fatalf("expected http handler, got %+v", m.Functions[0].Handler)
	}
	props, ok := m.Functions[0].Parameters["properties"].(map[string]any)
	if !ok || props["order_id"] == nil {
		t.Fatalf("expected nested parameters, got %#v", m.Functions[0].Parameters)
	}
}

func TestLoadManifestJSONList(t *testing.T) {
	m, err := LoadManifest(writeFile(t, "functions.json", validJSON))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(m.Functions) != 1 || m.Functions[0].Name != "consulta_cep" {
		t.Fatalf("unexpected functions %+v", m.Functions)
	}
}

func TestLoadManifestMissing(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := LoadManifest(writeFile(t, "empty.yaml", "")); err == nil {
		t.Fatal("expected error for empty manifest")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]Manifest{
		"name is required": {Functions: []Description{{}}},
		"reserved":         {Functions: []Description{{Name: "End_Call"}}},
		"duplicate":        {Functions: []Description{{Name: "a"}, {Name: "A"}}},
		"parameters.type":  {Functions: []Description{{Name: "a", Parameters: map[string]any{"type": "string"}}}},
		"handler.command":  {Functions: []Description{{Name: "a", Handler: &HandlerSpec{Mode: "exec"}}}},
		"not supported":    {Functions: []Description{{Name: "a", Handler: &HandlerSpec{Mode: "grpc"}}}},
	}
	for want, m := range cases {
		err := Validate(m)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error containing %q, got %v", want, err)
		}
	}
}

func TestEndCallDescription(t *testing.T) {
	d := EndCallDescription()
	if d.Name != EndCall || d.Parameters["type"] != "object" {
		t.Fatalf("unexpected end_call description %+v", d)
	}
}
