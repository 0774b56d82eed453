package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Properties is the free-form JSON object attached to an entry.
type Properties map[string]json.RawMessage

func (p Properties) Get(key string, dst any) (bool, error) {
	raw, ok := p[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("property %q: %w", key, err)
	}
	return true, nil
}

func (p Properties) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("property %q: %w", key, err)
	}
	p[key] = b
	return nil
}

// Merge copies every key of other into p, overwriting.
func (p Properties) Merge(other Properties) {
	for k, v := range other {
		p[k] = v
	}
}

// PropertyPatch is merged into the stored entry in one step, so concurrent
// writers never drop each other's keys.
type PropertyPatch struct {
	Set    Properties
	Remove []string
	// Title is written only when the stored title is empty.
	Title string
}

// Apply returns a copy of p with Remove deleted and Set merged on top.
func (pp PropertyPatch) Apply(p Properties) Properties {
	out := p.Clone()
	for _, k := range pp.Remove {
		delete(out, k)
	}
	out.Merge(pp.Set)
	return out
}

func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (p Properties) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]json.RawMessage(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Properties) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*p = Properties{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("properties: unsupported type %T", src)
	}
	out := Properties{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("properties: %w", err)
		}
	}
	*p = out
	return nil
}
