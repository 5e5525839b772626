package codegen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sandboxd/coordinator/pkg/schema"
)

// classDef is one generated Python dataclass, collected while walking a
// Schema tree so nested record types are emitted before the type that
// references them. Checks are __post_init__ statements enforcing the
// fields' range and pattern constraints.
type classDef struct {
	Name   string
	Fields []fieldDef
	Checks []string
}

type fieldDef struct {
	Name       string
	Type       string
	HasDefault bool
	Default    string
}

// pyType renders s as a Python type expression, appending any nested record
// types it needs (in dependency order, innermost first) to *classes. nameHint
// seeds the deterministic name of a nested record type: the enclosing class
// name followed by the field's class name, e.g. "ParamsFoo".
func pyType(s *schema.Schema, nameHint string, classes *[]classDef) string {
	if s == nil {
		return "Any"
	}

	switch s.Kind {
	case schema.KindPrimitive:
		switch s.Primitive {
		case schema.PrimitiveString:
			return "str"
		case schema.PrimitiveInt:
			return "int"
		case schema.PrimitiveFloat:
			return "float"
		case schema.PrimitiveBool:
			return "bool"
		case schema.PrimitiveBytes:
			return "bytes"
		default:
			return "Any"
		}

	case schema.KindEnum:
		values := make([]string, len(s.Enum))
		for i, v := range s.Enum {
			values[i] = fmt.Sprintf("%q", v)
		}
		return fmt.Sprintf("Literal[%s]", strings.Join(values, ", "))

	case schema.KindList:
		return fmt.Sprintf("List[%s]", pyType(s.Item, nameHint+"Item", classes))

	case schema.KindRecord:
		name := className(nameHint)
		fields := make([]fieldDef, 0, len(s.Fields))
		var checks []string
		for _, fname := range sortedKeys(s.Fields) {
			field := s.Fields[fname]
			required := s.IsRequired(fname)
			typ := pyType(field, nameHint+className(fname), classes)
			fd := fieldDef{Name: pyIdent(fname), Type: typ}
			if !required {
				fd.Type = "Optional[" + typ + "]"
				fd.HasDefault = true
				fd.Default = "None"
			}
			fields = append(fields, fd)
			checks = append(checks, constraintChecks(fd.Name, field)...)
		}
		// Required fields must precede defaulted fields in a Python dataclass.
		sort.SliceStable(fields, func(i, j int) bool { return !fields[i].HasDefault && fields[j].HasDefault })
		*classes = append(*classes, classDef{Name: name, Fields: fields, Checks: checks})
		return name

	case schema.KindSum:
		alts := make([]string, 0, len(s.Alternatives))
		for _, tag := range sortedKeys(s.Alternatives) {
			alts = append(alts, pyType(s.Alternatives[tag], nameHint+className(tag), classes))
		}
		return fmt.Sprintf("Union[%s]", strings.Join(alts, ", "))

	default:
		return "Any"
	}
}

// constraintChecks renders the __post_init__ statements enforcing a
// primitive field's integer-range and string-pattern constraints, mirroring
// what the tool service validates server-side so a bad call fails at
// construction instead of at the wire.
func constraintChecks(name string, s *schema.Schema) []string {
	if s == nil || s.Kind != schema.KindPrimitive {
		return nil
	}

	var checks []string
	numeric := s.Primitive == schema.PrimitiveInt || s.Primitive == schema.PrimitiveFloat
	if numeric && s.Min != nil {
		bound := formatBound(*s.Min)
		checks = append(checks, fmt.Sprintf(
			"if self.%s is not None and self.%s < %s: raise ValueError(%s)",
			name, name, bound, pyString(name+" must be >= "+bound)))
	}
	if numeric && s.Max != nil {
		bound := formatBound(*s.Max)
		checks = append(checks, fmt.Sprintf(
			"if self.%s is not None and self.%s > %s: raise ValueError(%s)",
			name, name, bound, pyString(name+" must be <= "+bound)))
	}
	if s.Primitive == schema.PrimitiveString && s.Pattern != "" {
		checks = append(checks, fmt.Sprintf(
			"if self.%s is not None and re.search(%s, self.%s) is None: raise ValueError(%s)",
			name, pyString(s.Pattern), name, pyString(name+" does not match pattern "+s.Pattern)))
	}
	return checks
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// pyString renders s as a Python string literal. Go's quoting rules are a
// compatible subset of Python's for the double-quoted form, including
// backslash escapes, so strconv.Quote output is used directly.
func pyString(s string) string {
	return strconv.Quote(s)
}

func sortedKeys(m map[string]*schema.Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// className renders a Python-identifier-safe PascalCase name from a
// snake_case or arbitrary field/tool name.
func className(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 {
		return "Value"
	}
	return b.String()
}

// pyIdent normalizes a tool argument name into a valid Python identifier.
// Tool/field names are expected to already be snake_case; this only guards
// against leading digits and empty names.
func pyIdent(s string) string {
	if s == "" {
		return "_"
	}
	if s[0] >= '0' && s[0] <= '9' {
		return "_" + s
	}
	return s
}
