// Package schema validates candidate JSON Schemas against draft 2020-12.
//
// Campaign task inputs and outputs carry user-supplied schemas; a bad schema
// must be rejected at submit time, before the engine dispatches anything.
package schema

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const metaSchemaURL = "https://json-schema.org/draft/2020-12/schema"

var printer = message.NewPrinter(language.English)

// metaSchema is the compiled draft 2020-12 meta-schema. The compiler ships
// the meta-schemas embedded, so compilation cannot fail at runtime.
var metaSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	s, err := c.Compile(metaSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("schema: compile draft 2020-12 meta-schema: %v", err))
	}
	return s
}()

// ValidateSchema checks that doc is itself a valid JSON Schema per draft
// 2020-12. It returns one "<json_path> : <message>" entry per violation,
// in document order; an empty slice means the schema is valid.
func ValidateSchema(doc map[string]any) []string {
	err := metaSchema.Validate(normalize(doc))
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{"$ : " + err.Error()}
	}
	var errs []string
	collectLeaves(verr, &errs)
	return errs
}

// collectLeaves walks the validation error tree and renders each leaf cause.
func collectLeaves(v *jsonschema.ValidationError, out *[]string) {
	if len(v.Causes) == 0 {
		*out = append(*out, jsonPath(v.InstanceLocation)+" : "+v.ErrorKind.LocalizedString(printer))
		return
	}
	for _, c := range v.Causes {
		collectLeaves(c, out)
	}
}

// jsonPath renders an instance location as a $-rooted path, e.g.
// "$.properties.count" or "$.items[0].type".
func jsonPath(location []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range location {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
		} else {
			b.WriteString("." + seg)
		}
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalize converts nested map values so the validator sees plain JSON
// types regardless of how the document was constructed in Go.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = normalize(val)
		}
		return s
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
