// Package issue defines the work item handled by the pipeline: the record
// extracted from the issue source, its type and the status codes reported back.
package issue

import "fmt"

// Type enumerates the kinds of work the pipeline knows how to execute.
type Type int

const (
	TypeUnknown    Type = 0
	TypeBugFix     Type = 1
	TypeNewFeature Type = 2
	TypeRefactor   Type = 3
	TypePrototype  Type = 4
)

// SupportedTypes lists every type with an execution template, in code order.
var SupportedTypes = []Type{TypeBugFix, TypeNewFeature, TypeRefactor, TypePrototype}

// Supported reports whether t has an execution template.
func (t Type) Supported() bool {
	return t >= TypeBugFix && t <= TypePrototype
}

func (t Type) String() string {
	switch t {
	case TypeBugFix:
		return "bug_fix"
	case TypeNewFeature:
		return "new_feature"
	case TypeRefactor:
		return "refactor"
	case TypePrototype:
		return "prototype"
	default:
		return fmt.Sprintf("unsupported(%d)", int(t))
	}
}

// Status is the value written back through the issue source's update tool.
type Status int

const (
	StatusCompleted Status = 3
	StatusFailed    Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Record is one issue as extracted from stage-1 agent output. It is a value
// type with no mutators; a Record is built once and never re-extracted.
type Record struct {
	ID                   string
	Type                 Type
	CreateTableSQL       string
	BusinessContext      string
	Description          string
	NewRequirement       string
	BeforeTransformation string
	Transformation       string
	AttachmentPaths      string
}

// HasID reports whether the record carries the identifier needed to report
// status back. Records without one are abandoned.
func (r Record) HasID() bool {
	return r.ID != ""
}

// ShortID returns at most the first 20 characters of the ID for log lines.
func (r Record) ShortID() string {
	runes := []rune(r.ID)
	if len(runes) <= 20 {
		return r.ID
	}
	return string(runes[:20]) + "..."
}
