// Package templates provides the embedded prompt templates for every stage of
// the generation pipeline.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"appforge/pkg/proto"
)

//go:embed *.tpl.md
var templateFS embed.FS

// PromptTemplate names an embedded prompt.
type PromptTemplate string

const (
	// ClassifierTemplate asks for the intent of a user message as JSON.
	ClassifierTemplate PromptTemplate = "classifier.tpl.md"
	// RouterTemplate asks which stage should run next as JSON.
	RouterTemplate PromptTemplate = "router.tpl.md"
	// RequirementsTemplate produces the PRD.
	RequirementsTemplate PromptTemplate = "requirements.tpl.md"
	// ArchitectureTemplate produces the technical architecture.
	ArchitectureTemplate PromptTemplate = "architecture.tpl.md"
	// CodeTemplate produces a fresh file map.
	CodeTemplate PromptTemplate = "code.tpl.md"
	// CodeModifyTemplate produces a complete replacement file map for an existing project.
	CodeModifyTemplate PromptTemplate = "code_modify.tpl.md"
	// ConversationTemplate answers free-form chat.
	ConversationTemplate PromptTemplate = "conversation.tpl.md"
	// VerifierTemplate reviews generated code against the request.
	VerifierTemplate PromptTemplate = "verifier.tpl.md"
)

// File is one generated source file, in path order.
type File struct {
	Path    string
	Content string
}

// TemplateData holds the values available to every prompt.
//
//nolint:govet // grouped by meaning rather than packed
type TemplateData struct {
	UserMessage     string
	OriginalRequest string
	RepairIssues    []string
	Requirements    string
	Architecture    string
	Status          proto.Status
	IsModification  bool
	HasProject      bool
	Files           []File
	History         []proto.HistoryEntry
}

// FilesOf converts a file map into path-ordered Files.
func FilesOf(m proto.FileMap) []File {
	paths := m.Paths()
	out := make([]File, 0, len(paths))
	for _, p := range paths {
		out = append(out, File{Path: p, Content: m[p]})
	}
	return out
}

// PathsOf is FilesOf without contents.
func PathsOf(m proto.FileMap) []File {
	paths := m.Paths()
	out := make([]File, 0, len(paths))
	for _, p := range paths {
		out = append(out, File{Path: p})
	}
	return out
}

// AllTemplates lists every embedded prompt.
func AllTemplates() []PromptTemplate {
	return []PromptTemplate{
		ClassifierTemplate,
		RouterTemplate,
		RequirementsTemplate,
		ArchitectureTemplate,
		CodeTemplate,
		CodeModifyTemplate,
		ConversationTemplate,
		VerifierTemplate,
	}
}

// Renderer renders prompt templates.
type Renderer struct {
	templates map[PromptTemplate]*template.Template
}

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
	"speaker": func(e proto.HistoryEntry) string {
		if e.Role == proto.RoleUser {
			return "User"
		}
		if e.Stage != "" {
			return "Assistant (" + string(e.Stage) + ")"
		}
		return "Assistant"
	},
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[PromptTemplate]*template.Template)}
	for _, name := range AllTemplates() {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Funcs(funcs).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// MustRenderer is NewRenderer for package-level initialization; the templates
// are embedded so a parse failure is a build defect.
func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render renders the named template.
func (r *Renderer) Render(name PromptTemplate, data *TemplateData) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
