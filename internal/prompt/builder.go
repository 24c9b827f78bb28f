// Package prompt renders the agent prompts: the stage-1 extraction prompt,
// the pending-work probe, the four type-specific execution templates and the
// status update directive.
//
// A Builder composes a static Policy with the variable issue fields. Changing
// operational policy (paths, branch names, tool names) never touches the
// extraction or dispatch logic.
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"

	"github.com/xiaogangdengdai/autotask/internal/issue"
)

// ErrUnsupported is returned by Render for issue types without a template.
var ErrUnsupported = errors.New("unsupported issue type")

var (
	extractTmpl = template.Must(template.New("extract").Parse(extractTemplate))
	probeTmpl   = template.Must(template.New("probe").Parse(probeTemplate))
	statusTmpl  = template.Must(template.New("status").Parse(statusTemplate))

	typeTemplates = map[issue.Type]*template.Template{
		issue.TypeBugFix:     template.Must(template.New(issue.TypeBugFix.String()).Parse(bugFixTemplate)),
		issue.TypeNewFeature: template.Must(template.New(issue.TypeNewFeature.String()).Parse(newFeatureTemplate)),
		issue.TypeRefactor:   template.Must(template.New(issue.TypeRefactor.String()).Parse(refactorTemplate)),
		issue.TypePrototype:  template.Must(template.New(issue.TypePrototype.String()).Parse(prototypeTemplate)),
	}
)

// Builder renders prompts for one Policy. It is stateless after construction
// and safe for concurrent use.
type Builder struct {
	policy Policy
}

// NewBuilder creates a Builder. Empty policy fields fall back to DefaultPolicy.
func NewBuilder(policy Policy) *Builder {
	return &Builder{policy: policy.Merge(DefaultPolicy())}
}

// Policy returns the effective policy.
func (b *Builder) Policy() Policy {
	return b.policy
}

// TemplateName returns the template name for t, or "" when unsupported.
func TemplateName(t issue.Type) string {
	if _, ok := typeTemplates[t]; !ok {
		return ""
	}
	return t.String()
}

type issueData struct {
	Policy Policy
	Issue  issue.Record
	Branch string
}

// Render returns the stage-2 prompt for rec under type t. Types without a
// template yield an error wrapping ErrUnsupported.
func (b *Builder) Render(t issue.Type, rec issue.Record) (string, error) {
	tmpl, ok := typeTemplates[t]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnsupported, int(t))
	}
	return execute(tmpl, issueData{
		Policy: b.policy,
		Issue:  rec,
		Branch: b.policy.branchFor(t),
	})
}

// ExtractPrompt returns the stage-1 prompt asking the agent to fetch one
// issue and answer with the tagged block.
func (b *Builder) ExtractPrompt() string {
	return mustExecute(extractTmpl, issueData{Policy: b.policy})
}

// ProbePrompt returns the lightweight pending-work check.
func (b *Builder) ProbePrompt() string {
	return mustExecute(probeTmpl, issueData{Policy: b.policy})
}

// StatusPrompt returns the directive asking the agent to report status for
// issueID. The caller is responsible for bounding message length.
func (b *Builder) StatusPrompt(issueID string, status issue.Status, message string) string {
	return mustExecute(statusTmpl, struct {
		Policy  Policy
		ID      string
		Status  int
		Message string
	}{b.policy, issueID, int(status), message})
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// mustExecute is used for the fixed templates whose data shape cannot fail.
func mustExecute(tmpl *template.Template, data any) string {
	s, err := execute(tmpl, data)
	if err != nil {
		panic(err)
	}
	return s
}
