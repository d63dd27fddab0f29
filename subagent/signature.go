// Package subagent runs bounded tool loops: a named signature describes
// the task's inputs and outputs, and the runner alternates model turns
// with kernel executions until the model submits typed outputs or a limit
// trips.
package subagent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kilnhq/kiln"
)

// Field is one named, optionally typed signature field.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"` // str, int, float, bool, list, dict
}

// Signature describes a sub-agent task.
type Signature struct {
	Name         string  `json:"name"`
	Inputs       []Field `json:"inputs"`
	Outputs      []Field `json:"outputs"`
	Instructions string  `json:"instructions"`
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var fieldTypes = map[string]bool{
	"str": true, "int": true, "float": true, "bool": true, "list": true, "dict": true,
}

// ParseSignature parses the "a, b -> c: str" form. Field names must be
// identifiers, unique, and inputs may not reappear as outputs. Types are
// optional annotations after a colon.
func ParseSignature(spec string) (Signature, error) {
	parts := strings.Split(spec, "->")
	if len(parts) != 2 {
		return Signature{}, kiln.E(kiln.KindValidation,
			fmt.Sprintf("signature %q must have exactly one '->'", spec))
	}
	inputs, err := parseFields(parts[0])
	if err != nil {
		return Signature{}, err
	}
	outputs, err := parseFields(parts[1])
	if err != nil {
		return Signature{}, err
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return Signature{}, kiln.E(kiln.KindValidation,
			"signature needs at least one input and one output")
	}

	seen := map[string]bool{}
	for _, f := range inputs {
		if seen[f.Name] {
			return Signature{}, kiln.E(kiln.KindValidation,
				fmt.Sprintf("duplicate field %q", f.Name))
		}
		seen[f.Name] = true
	}
	for _, f := range outputs {
		if seen[f.Name] {
			return Signature{}, kiln.E(kiln.KindValidation,
				fmt.Sprintf("field %q appears on both sides", f.Name))
		}
		seen[f.Name] = true
	}
	return Signature{Inputs: inputs, Outputs: outputs}, nil
}

func parseFields(side string) ([]Field, error) {
	var fields []Field
	for _, raw := range strings.Split(side, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			if len(strings.TrimSpace(side)) == 0 {
				continue
			}
			return nil, kiln.E(kiln.KindValidation, "blank field in signature")
		}
		name, typ := raw, ""
		if i := strings.Index(raw, ":"); i >= 0 {
			name = strings.TrimSpace(raw[:i])
			typ = strings.TrimSpace(raw[i+1:])
		}
		if !identRe.MatchString(name) {
			return nil, kiln.E(kiln.KindValidation,
				fmt.Sprintf("field %q is not an identifier", name))
		}
		if typ != "" && !fieldTypes[typ] {
			return nil, kiln.E(kiln.KindValidation,
				fmt.Sprintf("field %q has unknown type %q", name, typ))
		}
		fields = append(fields, Field{Name: name, Type: typ})
	}
	return fields, nil
}

// deepReasoningInstructions is the three-phase protocol shared by the
// deep_* signatures.
const deepReasoningInstructions = `Work in three phases.
Recon: cast a wide net. Use search_knowledge and llm_query to gather every
fact, document, and code path that could bear on the question. Store raw
findings in kernel variables.
Filter: discard what does not survive scrutiny. Cross-check claims against
each other and against the sources; keep only what is consistent.
Aggregate: synthesize the surviving material into the final answer,
citing which findings support each conclusion.`

// registry holds the built-in named signatures. Resolution is a pure
// function of name + this table.
var registry = map[string]Signature{
	"search": {
		Name:         "search",
		Inputs:       []Field{{Name: "query"}},
		Outputs:      []Field{{Name: "findings", Type: "list"}},
		Instructions: "Search the project knowledge for the query, refine with follow-up searches, and return the distinct relevant findings.",
	},
	"extract": {
		Name:         "extract",
		Inputs:       []Field{{Name: "source"}, {Name: "fields"}},
		Outputs:      []Field{{Name: "records", Type: "list"}},
		Instructions: "Extract the requested fields from the source material into structured records. Prefer exact values over paraphrase.",
	},
	"classify": {
		Name:         "classify",
		Inputs:       []Field{{Name: "items"}, {Name: "categories"}},
		Outputs:      []Field{{Name: "assignments", Type: "dict"}},
		Instructions: "Assign each item to exactly one of the given categories. When uncertain, test candidate rules in code before committing.",
	},
	"summarize": {
		Name:         "summarize",
		Inputs:       []Field{{Name: "content"}},
		Outputs:      []Field{{Name: "summary", Type: "str"}},
		Instructions: "Produce a faithful, compact summary. Length should follow the content's density, not a fixed target.",
	},
	"deep_reasoning": {
		Name:         "deep_reasoning",
		Inputs:       []Field{{Name: "question"}},
		Outputs:      []Field{{Name: "answer", Type: "str"}, {Name: "confidence", Type: "float"}},
		Instructions: deepReasoningInstructions,
	},
	"deep_reasoning_multi": {
		Name:         "deep_reasoning_multi",
		Inputs:       []Field{{Name: "questions"}},
		Outputs:      []Field{{Name: "answers", Type: "list"}},
		Instructions: deepReasoningInstructions + "\nAnswer every question; keep answers independent unless they share evidence.",
	},
}

// Resolve returns a signature by registry name, or parses spec as an
// inline "a -> b" form when it contains an arrow.
func Resolve(spec string) (Signature, error) {
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, "->") {
		return ParseSignature(spec)
	}
	sig, ok := registry[spec]
	if !ok {
		return Signature{}, kiln.E(kiln.KindNotFound,
			fmt.Sprintf("no signature named %q", spec))
	}
	return sig, nil
}

// Names lists the registered signature names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
