// Package extract parses the tagged text the agent emits during stage 1.
//
// The agent is asked to answer with a block such as
//
//	<extracted>
//	<id>42</id>
//	<type>1</type>
//	<createTableSql>CREATE TABLE t(id INT);</createTableSql>
//	...
//	</extracted>
//
// possibly surrounded by free-form commentary. Parsing is driven by a Schema,
// an outer tag plus an ordered list of field tags, so new fields only need a
// schema change.
package extract

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/xiaogangdengdai/autotask/internal/issue"
	"github.com/xiaogangdengdai/autotask/internal/logging"
)

// Field names of the default schema.
const (
	FieldID                   = "id"
	FieldType                 = "type"
	FieldCreateTableSQL       = "createTableSql"
	FieldBusinessContext      = "businessContext"
	FieldDescription          = "description"
	FieldNewRequirement       = "newRequirement"
	FieldBeforeTransformation = "beforeTransformation"
	FieldTransformation       = "transformation"
	FieldAttachmentPaths      = "attachmentPaths"
)

// OuterTag wraps the extracted fields in the default schema.
const OuterTag = "extracted"

// Schema describes a tagged block: the outer tag and its ordered field tags.
type Schema struct {
	Outer  string
	Fields []string
}

// DefaultSchema returns the schema of the stage-1 extraction block.
func DefaultSchema() Schema {
	return Schema{
		Outer: OuterTag,
		Fields: []string{
			FieldID,
			FieldType,
			FieldCreateTableSQL,
			FieldBusinessContext,
			FieldDescription,
			FieldNewRequirement,
			FieldBeforeTransformation,
			FieldTransformation,
			FieldAttachmentPaths,
		},
	}
}

// Fields maps every schema field to its trimmed value. A parsed Fields always
// holds every schema key; absent tags map to "".
type Fields map[string]string

// Get returns the value for name, or "" when absent.
func (f Fields) Get(name string) string {
	return f[name]
}

// Type coerces the type field to an issue.Type. Missing or non-numeric values
// yield issue.TypeUnknown.
func (f Fields) Type() issue.Type {
	raw := strings.TrimSpace(f[FieldType])
	if raw == "" {
		return issue.TypeUnknown
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return issue.TypeUnknown
	}
	return issue.Type(n)
}

// Record builds the immutable issue record from the fields.
func (f Fields) Record() issue.Record {
	return issue.Record{
		ID:                   f.Get(FieldID),
		Type:                 f.Type(),
		CreateTableSQL:       f.Get(FieldCreateTableSQL),
		BusinessContext:      f.Get(FieldBusinessContext),
		Description:          f.Get(FieldDescription),
		NewRequirement:       f.Get(FieldNewRequirement),
		BeforeTransformation: f.Get(FieldBeforeTransformation),
		Transformation:       f.Get(FieldTransformation),
		AttachmentPaths:      f.Get(FieldAttachmentPaths),
	}
}

// Parser extracts Fields from raw agent output according to a Schema.
type Parser struct {
	schema Schema
	outer  *regexp.Regexp
	fields []fieldPattern
	log    *slog.Logger
}

type fieldPattern struct {
	name string
	re   *regexp.Regexp
}

// NewParser compiles the tag patterns for schema.
func NewParser(schema Schema, log *slog.Logger) *Parser {
	if log == nil {
		log = logging.WithComponent("extract")
	}
	p := &Parser{
		schema: schema,
		outer:  tagPattern(schema.Outer),
		log:    log,
	}
	for _, name := range schema.Fields {
		p.fields = append(p.fields, fieldPattern{name: name, re: tagPattern(name)})
	}
	return p
}

// tagPattern matches the first <tag>...</tag> pair, non-greedy, across lines.
func tagPattern(tag string) *regexp.Regexp {
	t := regexp.QuoteMeta(tag)
	return regexp.MustCompile(`(?s)<` + t + `>(.*?)</` + t + `>`)
}

// Schema returns the parser's schema.
func (p *Parser) Schema() Schema {
	return p.schema
}

// Parse extracts the schema fields from raw. It never fails: when the outer
// block is missing the condition is logged and every field is empty.
func (p *Parser) Parse(raw string) Fields {
	out := make(Fields, len(p.fields))
	for _, f := range p.fields {
		out[f.name] = ""
	}

	m := p.outer.FindStringSubmatch(raw)
	if m == nil {
		p.log.Warn("No tagged block found in agent output", slog.String("tag", p.schema.Outer))
		return out
	}
	block := m[1]

	for _, f := range p.fields {
		if fm := f.re.FindStringSubmatch(block); fm != nil {
			out[f.name] = strings.TrimSpace(fm[1])
		}
	}

	if id := out[FieldID]; id != "" {
		p.log.Info("Parsed tagged block",
			slog.Int("type", int(out.Type())),
			slog.String("id", truncate(id, 20)),
		)
	} else {
		p.log.Info("Parsed tagged block", slog.Int("type", int(out.Type())))
	}

	return out
}

// Build wraps values in the schema's tags, the inverse of Parse. Fields not in
// the schema are ignored; schema fields missing from values are written empty.
func Build(schema Schema, values map[string]string) string {
	var b strings.Builder
	b.WriteString("<" + schema.Outer + ">\n")
	for _, name := range schema.Fields {
		b.WriteString("<" + name + ">")
		b.WriteString(values[name])
		b.WriteString("</" + name + ">\n")
	}
	b.WriteString("</" + schema.Outer + ">")
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
