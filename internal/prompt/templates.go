package prompt

// Prompt templates. Field placeholders are substituted verbatim: SQL and
// business text go into the prompt exactly as extracted.

const extractTemplate = `Perform the following steps without asking me to confirm anything:

1. Use the {{.Policy.GetIssueTool}} tool to fetch one pending system issue log.

2. From the <referenceInfo> tag of the result, extract the following and output it strictly in this format:

<extracted>
<id>the issue log ID</id>
<type>the type value</type>
<createTableSql>the CREATE TABLE statements</createTableSql>
<businessContext>the business background</businessContext>
<description>the detailed problem description</description>
<newRequirement>the new requirement</newRequirement>
<beforeTransformation>the state before the change</beforeTransformation>
<transformation>the target of the change</transformation>
<attachmentPaths>the list of attachment paths</attachmentPaths>
</extracted>

Note: if a tag is empty in the source data, output the empty tag, for example <newRequirement></newRequirement>.
`

const probeTemplate = `
Perform only this one operation and nothing else:
use the {{.Policy.GetIssueTool}} tool to fetch one system issue log.

If a log was returned (the result contains <referenceInfo>), reply: ` + HasIssueToken + `
If there is no pending log, reply: ` + NoIssueToken + `
`

const statusTemplate = `Perform the following steps without asking me to confirm anything:

Use the {{.Policy.UpdateStatusTool}} tool to update the issue log status:
- id: {{.ID}}
- status: {{.Status}}
- aiResponse: {{.Message}}

When done, reply: ` + UpdateDoneToken + `
`

// shared tail of the development templates
const workspaceBlock = `{{.Policy.Persona}}
You must first read {{.Policy.ContextDoc}} carefully; it describes the overall business and technology of {{.Policy.SystemName}}.
Other business material is under the {{.Policy.DocsDir}} folder; search it as needed.`

const bugFixTemplate = `<createTableSql>
{{.Issue.CreateTableSQL}}
</createTableSql>

<businessContext>
{{.Issue.BusinessContext}}
</businessContext>

<attachmentPaths>
{{.Issue.AttachmentPaths}}
</attachmentPaths>

The content of <createTableSql> is the database schema,
the content of <businessContext> is the bug fix request,
the content of <attachmentPaths> lists the paths of related attachments.

` + workspaceBlock + `
Using the background above, fix the bug. Create a new local {{.Branch}} branch for the work.

{{.Policy.NoConfirmation}}
`

const newFeatureTemplate = `<createTableSql>
{{.Issue.CreateTableSQL}}
</createTableSql>

<businessContext>
{{.Issue.BusinessContext}}
</businessContext>

<newRequirement>
{{.Issue.NewRequirement}}
</newRequirement>

<attachmentPaths>
{{.Issue.AttachmentPaths}}
</attachmentPaths>

The content of <createTableSql> is the database schema,
the content of <businessContext> introduces the business background,
the content of <newRequirement> is the new requirement, for example file locations, code locations and the implementation approach,
the content of <attachmentPaths> lists the paths of related attachments.

` + workspaceBlock + `
Using the background above, develop the new feature. Create a new local {{.Branch}} branch for the work.

{{.Policy.NoConfirmation}}
`

const refactorTemplate = `<createTableSql>
{{.Issue.CreateTableSQL}}
</createTableSql>

<businessContext>
{{.Issue.BusinessContext}}
</businessContext>

<beforeTransformation>
{{.Issue.BeforeTransformation}}
</beforeTransformation>

<transformation>
{{.Issue.Transformation}}
</transformation>

<attachmentPaths>
{{.Issue.AttachmentPaths}}
</attachmentPaths>

The content of <createTableSql> is the database schema,
the content of <businessContext> introduces the business background,
<beforeTransformation> describes the current state, for example file locations, code locations and the current approach,
<transformation> describes the target state, for example file locations, code locations and the intended approach,
the content of <attachmentPaths> lists the paths of related attachments.

` + workspaceBlock + `
Using the background above, rework the existing feature. Create a new local {{.Branch}} branch for the work.

{{.Policy.NoConfirmation}}
`

const prototypeTemplate = `<createTableSql>
{{.Issue.CreateTableSQL}}
</createTableSql>

<description>
{{.Issue.Description}}
</description>

<attachmentPaths>
{{.Issue.AttachmentPaths}}
</attachmentPaths>

The content of <createTableSql> is the database schema,
the content of <description> is the business requirement,
the content of <attachmentPaths> lists the paths of related attachments.

Background: some features of {{.Policy.SystemName}} must ship urgently. The usual flow of requirement analysis, page mockups and then development is too slow. Developers must turn the product manager's description in <description> into an operable HTML page that simulates real usage. The product manager opens the page, operates it directly and gives feedback; development then follows the page's logic exactly. The product manager has no technical background and can only communicate through the HTML page.

Analyse all of the information above in detail and generate the HTML page:

1. Follow the layout and approach of {{.Policy.PrototypeReference}}: function menu on the left, the selected function page on the right.

2. Simulate in memory the tables defined in <createTableSql>; the data structures must match the statements exactly. Use JavaScript to simulate MySQL create, read, update and delete, multi-table joins, unions and the other common operations.

3. Put a console at the bottom of the page. Every user action appends the corresponding MySQL statement to the console, including inserts, updates, deletes, single-table queries and joins.

4. Save the generated page under {{.Policy.UploadDir}}/{{.Issue.ID}}/ with a random 36-character UUID file name, for example a1b2c3d4-e5f6-7890-abcd-ef1234567890.html.

5. Afterwards use the {{.Policy.SaveAttachmentTool}} tool to record the attachment in the sys_attachment table:
   - targetId: {{.Issue.ID}}
   - filePath: the full path of the generated page
   - fileName: the generated file name
   - sortOrder: 0

{{.Policy.NoConfirmation}}
`
