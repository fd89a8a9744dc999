package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// TemplateVar is one named template variable.
type TemplateVar struct {
	Key   string
	Value string
}

// TemplateData is an ordered set of template variables. It decodes from a
// JSON object and keeps the object's key order, which decides the
// positional body_N slots of the template.
type TemplateData []TemplateVar

func (d *TemplateData) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("template data must be an object")
	}

	var out TemplateData
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		out = out.Set(key, stringify(raw))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = out
	return nil
}

func (d TemplateData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(v.Key)
		val, _ := json.Marshal(v.Value)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func stringify(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// Get returns the value for key.
func (d TemplateData) Get(key string) (string, bool) {
	i := slices.IndexFunc(d, func(v TemplateVar) bool { return v.Key == key })
	if i < 0 {
		return "", false
	}
	return d[i].Value, true
}

// Set replaces key in place or appends it.
func (d TemplateData) Set(key, value string) TemplateData {
	if i := slices.IndexFunc(d, func(v TemplateVar) bool { return v.Key == key }); i >= 0 {
		d[i].Value = value
		return d
	}
	return append(d, TemplateVar{Key: key, Value: value})
}

// internalTemplateFields never become body variables.
var internalTemplateFields = []string{
	"attachments", "eventType", "forceSend", "tenantId", "branchId", "name", "email", "phone",
}

// BodyValues returns the values that fill body_1..body_N, in order.
func (d TemplateData) BodyValues() []string {
	var out []string
	for _, v := range d {
		if slices.Contains(internalTemplateFields, v.Key) {
			continue
		}
		out = append(out, v.Value)
	}
	return out
}
