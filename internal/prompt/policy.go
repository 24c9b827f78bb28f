package prompt

import "github.com/xiaogangdengdai/autotask/internal/issue"

// Protocol tokens the agent is asked to emit. They are matched literally in
// agent stdout.
const (
	HasIssueToken   = "HAS_ISSUE"
	NoIssueToken    = "NO_ISSUE"
	ReferenceMarker = "<referenceInfo>"
	UpdateDoneToken = "UPDATE_DONE"
)

// Policy is the static operational text embedded in every prompt: where the
// shared context lives, how branches are named, which tools to call. It is
// versioned configuration, independent of the extracted issue fields.
type Policy struct {
	Version            string `yaml:"version" json:"version"`
	SystemName         string `yaml:"system_name" json:"system_name"`
	Persona            string `yaml:"persona" json:"persona"`
	ContextDoc         string `yaml:"context_doc" json:"context_doc"`
	DocsDir            string `yaml:"docs_dir" json:"docs_dir"`
	PrototypeReference string `yaml:"prototype_reference" json:"prototype_reference"`
	UploadDir          string `yaml:"upload_dir" json:"upload_dir"`
	BugFixBranch       string `yaml:"bug_fix_branch" json:"bug_fix_branch"`
	FeatureBranch      string `yaml:"feature_branch" json:"feature_branch"`
	NoConfirmation     string `yaml:"no_confirmation" json:"no_confirmation"`

	GetIssueTool       string `yaml:"get_issue_tool" json:"get_issue_tool"`
	SaveAttachmentTool string `yaml:"save_attachment_tool" json:"save_attachment_tool"`
	UpdateStatusTool   string `yaml:"update_status_tool" json:"update_status_tool"`
}

// DefaultPolicy returns the policy shipped with autotask.
func DefaultPolicy() Policy {
	return Policy{
		Version:            "1",
		SystemName:         "the product",
		Persona:            "You are a development expert, business analyst and database designer with more than 20 years of experience.",
		ContextDoc:         "~/workspace/CLAUDE.md",
		DocsDir:            "~/workspace/AIGC/result",
		PrototypeReference: "~/workspace/AIGC/html/reference.html",
		UploadDir:          "~/codes/uploadFiles",
		BugFixBranch:       "fix",
		FeatureBranch:      "feature",
		NoConfirmation:     "Apply the best solution directly; no confirmation is needed at any point.",
		GetIssueTool:       "mcp__mcp-server-demo__systemlog_getsystemlog",
		SaveAttachmentTool: "mcp__mcp-server-demo__systemlog_savesystemattachment",
		UpdateStatusTool:   "mcp__mcp-server-demo__systemlog_updatesystemlog",
	}
}

// Merge returns p with every empty field filled from base.
func (p Policy) Merge(base Policy) Policy {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&p.Version, base.Version)
	fill(&p.SystemName, base.SystemName)
	fill(&p.Persona, base.Persona)
	fill(&p.ContextDoc, base.ContextDoc)
	fill(&p.DocsDir, base.DocsDir)
	fill(&p.PrototypeReference, base.PrototypeReference)
	fill(&p.UploadDir, base.UploadDir)
	fill(&p.BugFixBranch, base.BugFixBranch)
	fill(&p.FeatureBranch, base.FeatureBranch)
	fill(&p.NoConfirmation, base.NoConfirmation)
	fill(&p.GetIssueTool, base.GetIssueTool)
	fill(&p.SaveAttachmentTool, base.SaveAttachmentTool)
	fill(&p.UpdateStatusTool, base.UpdateStatusTool)
	return p
}

// branchFor returns the branch prefix the agent should create for t.
func (p Policy) branchFor(t issue.Type) string {
	if t == issue.TypeBugFix {
		return p.BugFixBranch
	}
	return p.FeatureBranch
}
