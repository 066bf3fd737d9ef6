package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bpmnflow/engine"
)

// yamlElement/yamlConnection/yamlDefinition mirror a YAML-authored
// workflow definition. Parsing/validation from an external format is
// explicitly outside the engine package's own contract (it consumes
// *engine.WorkflowDefinition directly); this loader is the CLI demo's own
// glue, grounded on its yaml.v3 config-loading convention
// rather than a BPMN-XML parser, which no repo in the corpus implements.
type yamlElement struct {
	ID            string            `yaml:"id"`
	Type          string            `yaml:"type"`
	Name          string            `yaml:"name"`
	Properties    map[string]string `yaml:"properties"`
	AttachedToRef string            `yaml:"attachedToRef"`
	Elements      []yamlElement     `yaml:"elements"`
	Connections   []yamlConnection  `yaml:"connections"`
}

type yamlConnection struct {
	ID         string            `yaml:"id"`
	From       string            `yaml:"from"`
	To         string            `yaml:"to"`
	Properties map[string]string `yaml:"properties"`
}

type yamlDefinition struct {
	ID            string                    `yaml:"id"`
	Name          string                    `yaml:"name"`
	Pools         []string                  `yaml:"pools"`
	Lanes         []string                  `yaml:"lanes"`
	Elements      []yamlElement             `yaml:"elements"`
	Connections   []yamlConnection          `yaml:"connections"`
	Subprocesses  map[string]yamlDefinition `yaml:"subprocesses"`
}

func loadDefinition(path string) (*engine.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bpmnflow: reading %s: %w", path, err)
	}
	var doc yamlDefinition
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("bpmnflow: parsing %s: %w", path, err)
	}
	def := doc.toEngine()
	if err := def.Build(); err != nil {
		return nil, fmt.Errorf("bpmnflow: %s: %w", path, err)
	}
	return def, nil
}

func (d yamlDefinition) toEngine() *engine.WorkflowDefinition {
	out := &engine.WorkflowDefinition{
		ID:                    d.ID,
		Name:                  d.Name,
		Pools:                 d.Pools,
		Lanes:                 d.Lanes,
		Connections:           toConnections(d.Connections),
		SubprocessDefinitions: make(map[string]*engine.WorkflowDefinition, len(d.Subprocesses)),
	}
	for _, e := range d.Elements {
		out.Elements = append(out.Elements, e.toEngine())
	}
	for name, sub := range d.Subprocesses {
		out.SubprocessDefinitions[name] = sub.toEngine()
	}
	return out
}

func (e yamlElement) toEngine() *engine.Element {
	el := &engine.Element{
		ID:               e.ID,
		Type:             engine.ElementType(e.Type),
		Name:             e.Name,
		Properties:       e.Properties,
		AttachedToRef:    e.AttachedToRef,
		ChildConnections: toConnections(e.Connections),
	}
	for _, child := range e.Elements {
		el.ChildElements = append(el.ChildElements, child.toEngine())
	}
	return el
}

func toConnections(cs []yamlConnection) []*engine.Connection {
	out := make([]*engine.Connection, 0, len(cs))
	for _, c := range cs {
		out = append(out, &engine.Connection{ID: c.ID, From: c.From, To: c.To, Properties: c.Properties})
	}
	return out
}
