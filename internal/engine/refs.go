package engine

import (
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// RefKind distinguishes the three forms an input value segment can take.
type RefKind int

const (
	// RefLiteral is a plain value carried through unchanged.
	RefLiteral RefKind = iota
	// RefVariable resolves against the run's caller-supplied variables.
	RefVariable
	// RefStepOutput resolves against a completed step's outputs.
	RefStepOutput
)

// Ref is a single pre-parsed segment of an input value.
type Ref struct {
	Kind    RefKind
	Literal string
	Name    string // variable name for RefVariable
	StepID  string // for RefStepOutput
	Key     string // output key for RefStepOutput
}

// ParsedValue is an input value parsed once at plan time. A value that is
// a single reference with no surrounding text preserves the referenced
// value's type; anything else renders to a string.
type ParsedValue struct {
	Raw      interface{}
	Segments []Ref
}

// IsStatic reports whether the value contains no references.
func (v *ParsedValue) IsStatic() bool {
	for _, s := range v.Segments {
		if s.Kind != RefLiteral {
			return false
		}
	}
	return true
}

// Refs returns the non-literal segments of the value.
func (v *ParsedValue) Refs() []Ref {
	var out []Ref
	for _, s := range v.Segments {
		if s.Kind != RefLiteral {
			out = append(out, s)
		}
	}
	return out
}

// ParseValue pre-parses an input value. Non-string values are static
// literals. Strings are scanned for ${...} references; the first dotted
// segment naming a known step id yields a step output reference,
// otherwise the whole body is treated as a variable name.
func ParseValue(raw interface{}, stepIDs map[string]bool) (*ParsedValue, error) {
	s, ok := raw.(string)
	if !ok {
		return &ParsedValue{Raw: raw}, nil
	}

	var segs []Ref
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated reference in %q", s)
		}
		end += start
		if start > 0 {
			segs = append(segs, Ref{Kind: RefLiteral, Literal: rest[:start]})
		}
		body := strings.TrimSpace(rest[start+2 : end])
		if body == "" {
			return nil, fmt.Errorf("empty reference in %q", s)
		}
		ref, err := parseRefBody(body, stepIDs)
		if err != nil {
			return nil, err
		}
		segs = append(segs, ref)
		rest = rest[end+1:]
	}
	if len(segs) == 0 {
		return &ParsedValue{Raw: raw}, nil
	}
	if rest != "" {
		segs = append(segs, Ref{Kind: RefLiteral, Literal: rest})
	}
	return &ParsedValue{Raw: raw, Segments: segs}, nil
}

func parseRefBody(body string, stepIDs map[string]bool) (Ref, error) {
	head, tail, dotted := strings.Cut(body, ".")
	if dotted && stepIDs[head] {
		if tail == "" {
			return Ref{}, fmt.Errorf("reference %q names step %q without an output key", body, head)
		}
		return Ref{Kind: RefStepOutput, StepID: head, Key: tail}, nil
	}
	return Ref{Kind: RefVariable, Name: body}, nil
}

// Resolver resolves parsed values against a run's variables and the
// outputs of completed steps.
type Resolver struct {
	Variables map[string]interface{}
	Outputs   func(stepID string) (map[string]interface{}, bool)
}

// Resolve materialises a parsed value. An unknown variable or an output
// from a step that has not completed is a resolution failure, never a
// silent fallthrough to the raw string.
func (r *Resolver) Resolve(v *ParsedValue) (interface{}, error) {
	if v.IsStatic() {
		return v.Raw, nil
	}
	// Single bare reference keeps the referenced value's type.
	if len(v.Segments) == 1 {
		return r.resolveRef(v.Segments[0])
	}
	var b strings.Builder
	for _, seg := range v.Segments {
		if seg.Kind == RefLiteral {
			b.WriteString(seg.Literal)
			continue
		}
		val, err := r.resolveRef(seg)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", val)
	}
	return b.String(), nil
}

func (r *Resolver) resolveRef(ref Ref) (interface{}, error) {
	switch ref.Kind {
	case RefLiteral:
		return ref.Literal, nil
	case RefVariable:
		val, ok := lookupPath(r.Variables, ref.Name)
		if !ok {
			return nil, types.NewFailure(types.CodeMissingInput, false,
				"unknown variable %q", ref.Name)
		}
		return val, nil
	case RefStepOutput:
		outputs, ok := r.Outputs(ref.StepID)
		if !ok {
			return nil, types.NewFailure(types.CodeValidation, false,
				"step %q has not completed, cannot resolve output %q", ref.StepID, ref.Key)
		}
		val, ok := lookupPath(outputs, ref.Key)
		if !ok {
			return nil, types.NewFailure(types.CodeMissingInput, false,
				"step %q produced no output %q", ref.StepID, ref.Key)
		}
		return val, nil
	}
	return nil, fmt.Errorf("unknown reference kind %d", ref.Kind)
}

// lookupPath resolves a flat key first, then walks dotted segments
// through nested maps.
func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur interface{} = m
	for _, p := range parts {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
