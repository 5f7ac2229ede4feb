package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/conveyorhq/conveyor/pkg/types"
)

func TestParseValue(t *testing.T) {
	stepIDs := map[string]bool{"fetch": true, "render": true}

	tests := []struct {
		name string
		raw  interface{}
		want []Ref
	}{
		{
			name: "plain string is static",
			raw:  "hello",
			want: nil,
		},
		{
			name: "non-string is static",
			raw:  42,
			want: nil,
		},
		{
			name: "bare variable",
			raw:  "${title}",
			want: []Ref{{Kind: RefVariable, Name: "title"}},
		},
		{
			name: "dotted variable not matching a step",
			raw:  "${video.title}",
			want: []Ref{{Kind: RefVariable, Name: "video.title"}},
		},
		{
			name: "step output reference",
			raw:  "${fetch.url}",
			want: []Ref{{Kind: RefStepOutput, StepID: "fetch", Key: "url"}},
		},
		{
			name: "interpolation mixes literals and refs",
			raw:  "out-${fetch.id}.mp4",
			want: []Ref{
				{Kind: RefLiteral, Literal: "out-"},
				{Kind: RefStepOutput, StepID: "fetch", Key: "id"},
				{Kind: RefLiteral, Literal: ".mp4"},
			},
		},
		{
			name: "nested output key",
			raw:  "${render.result.path}",
			want: []Ref{{Kind: RefStepOutput, StepID: "render", Key: "result.path"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pv, err := ParseValue(tt.raw, stepIDs)
			if err != nil {
				t.Fatalf("ParseValue: %v", err)
			}
			if tt.want == nil {
				if !pv.IsStatic() {
					t.Fatalf("expected static value, got segments %+v", pv.Segments)
				}
				return
			}
			if !reflect.DeepEqual(pv.Segments, tt.want) {
				t.Errorf("segments = %+v, want %+v", pv.Segments, tt.want)
			}
		})
	}
}

func TestParseValueErrors(t *testing.T) {
	stepIDs := map[string]bool{"fetch": true}
	for _, raw := range []string{"${unclosed", "${}", "${fetch.}"} {
		if _, err := ParseValue(raw, stepIDs); err == nil {
			t.Errorf("ParseValue(%q): expected error", raw)
		}
	}
}

func TestResolve(t *testing.T) {
	stepIDs := map[string]bool{"fetch": true}
	resolver := &Resolver{
		Variables: map[string]interface{}{
			"title": "launch",
			"count": 3,
			"video": map[string]interface{}{"id": "v42"},
		},
		Outputs: func(stepID string) (map[string]interface{}, bool) {
			if stepID == "fetch" {
				return map[string]interface{}{"url": "https://example.com/a", "size": 1024}, true
			}
			return nil, false
		},
	}

	resolve := func(t *testing.T, raw interface{}) interface{} {
		t.Helper()
		pv, err := ParseValue(raw, stepIDs)
		if err != nil {
			t.Fatalf("ParseValue: %v", err)
		}
		val, err := resolver.Resolve(pv)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		return val
	}

	if got := resolve(t, "${title}"); got != "launch" {
		t.Errorf("variable = %v", got)
	}
	// A bare reference keeps the referenced value's type.
	if got := resolve(t, "${count}"); got != 3 {
		t.Errorf("typed variable = %v (%T)", got, got)
	}
	if got := resolve(t, "${fetch.size}"); got != 1024 {
		t.Errorf("typed output = %v (%T)", got, got)
	}
	if got := resolve(t, "${video.id}"); got != "v42" {
		t.Errorf("dotted variable = %v", got)
	}
	if got := resolve(t, "get ${fetch.url} x${count}"); got != "get https://example.com/a x3" {
		t.Errorf("interpolated = %v", got)
	}
	if got := resolve(t, 99); got != 99 {
		t.Errorf("static passthrough = %v", got)
	}
}

func TestResolveUnknownVariableFails(t *testing.T) {
	resolver := &Resolver{
		Variables: map[string]interface{}{},
		Outputs:   func(string) (map[string]interface{}, bool) { return nil, false },
	}
	pv, err := ParseValue("${missing}", nil)
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	_, err = resolver.Resolve(pv)
	if err == nil {
		t.Fatal("expected error for unknown variable, got nil")
	}
	var f *types.Failure
	if !errors.As(err, &f) || f.Code != types.CodeMissingInput {
		t.Errorf("error = %v, want MISSING_INPUT failure", err)
	}
}

func TestResolveIncompleteStepFails(t *testing.T) {
	stepIDs := map[string]bool{"fetch": true}
	resolver := &Resolver{
		Variables: map[string]interface{}{},
		Outputs:   func(string) (map[string]interface{}, bool) { return nil, false },
	}
	pv, err := ParseValue("${fetch.url}", stepIDs)
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	if _, err := resolver.Resolve(pv); err == nil {
		t.Fatal("expected error resolving output of incomplete step")
	}
}
