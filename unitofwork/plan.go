package unitofwork

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPlan is returned when a plan fails validation.
var ErrInvalidPlan = errors.New("tessera: invalid plan")

// Plan is a serialized unit of work.
type Plan struct {
	Mutations []PlanMutation `json:"mutations"`
}

// PlanMutation is one command in a plan.
type PlanMutation struct {
	Ref    string         `json:"ref"`
	Op     string         `json:"op"`
	Table  string         `json:"table"`
	Key    map[string]any `json:"key,omitempty"`
	Values map[string]any `json:"values,omitempty"`

	// Parent attaches this mutation to another ref through the registry.
	Parent string `json:"parent,omitempty"`

	Fill []PlanFill `json:"fill,omitempty"`
}

// PlanFill fills Column from a value another ref publishes.
type PlanFill struct {
	Column   string `json:"column"`
	From     string `json:"from"`
	Key      string `json:"key,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// DecodePlan parses and validates a JSON plan. Integral numbers decode as
// int64, others as float64.
func DecodePlan(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	for i := range p.Mutations {
		normalizeNumbers(p.Mutations[i].Key)
		normalizeNumbers(p.Mutations[i].Values)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks refs, ops and cross references.
func (p *Plan) Validate() error {
	if len(p.Mutations) == 0 {
		return fmt.Errorf("%w: no mutations", ErrInvalidPlan)
	}

	refs := make(map[string]string, len(p.Mutations))
	for i, m := range p.Mutations {
		if m.Ref == "" {
			return fmt.Errorf("%w: mutation %d has no ref", ErrInvalidPlan, i)
		}
		if _, dup := refs[m.Ref]; dup {
			return fmt.Errorf("%w: duplicate ref %s", ErrInvalidPlan, m.Ref)
		}
		if m.Table == "" {
			return fmt.Errorf("%w: %s has no table", ErrInvalidPlan, m.Ref)
		}
		switch m.Op {
		case "insert":
		case "update", "delete":
			if len(m.Key) == 0 && len(m.Fill) == 0 {
				return fmt.Errorf("%w: %s %s needs a key", ErrInvalidPlan, m.Op, m.Ref)
			}
		default:
			return fmt.Errorf("%w: %s has unknown op %q", ErrInvalidPlan, m.Ref, m.Op)
		}
		refs[m.Ref] = m.Op
	}

	for _, m := range p.Mutations {
		if m.Parent != "" {
			if _, ok := refs[m.Parent]; !ok {
				return fmt.Errorf("%w: %s has unknown parent %s", ErrInvalidPlan, m.Ref, m.Parent)
			}
			if m.Op == "delete" {
				return fmt.Errorf("%w: delete %s cannot have a parent", ErrInvalidPlan, m.Ref)
			}
		}
		for _, f := range m.Fill {
			if f.Column == "" {
				return fmt.Errorf("%w: %s has a fill without column", ErrInvalidPlan, m.Ref)
			}
			if _, ok := refs[f.From]; !ok {
				return fmt.Errorf("%w: %s fills %s from unknown ref %s", ErrInvalidPlan, m.Ref, f.Column, f.From)
			}
		}
	}
	return nil
}

// Build registers every mutation of the plan in u, then wires parents and
// fills, so refs may point forward.
func (p *Plan) Build(u *UnitOfWork) error {
	if err := p.Validate(); err != nil {
		return err
	}

	for _, m := range p.Mutations {
		var err error
		switch m.Op {
		case "insert":
			_, err = u.Insert(m.Ref, m.Table, m.Values)
		case "update":
			_, err = u.Update(m.Ref, m.Table, m.Key, m.Values)
		case "delete":
			_, err = u.Delete(m.Ref, m.Table, m.Key)
		}
		if err != nil {
			return err
		}
	}

	for _, m := range p.Mutations {
		if m.Parent != "" {
			if err := u.Attach(m.Ref, m.Parent); err != nil {
				return err
			}
		}
		for _, f := range m.Fill {
			if err := u.FillFrom(m.Ref, f.Column, f.From, f.Key, f.Optional); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalizeNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
