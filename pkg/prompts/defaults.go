package prompts

const (
	CategoryCoding    = "coding"
	CategoryEducation = "education"
	CategoryGeneral   = "general"
	CategoryCreative  = "creative"
	CategoryCustom    = "custom"
)

func defaultTemplates() []*Template {
	return []*Template{
		{
			Name:        "code_review",
			Template:    "Review the following code for bugs, security issues, and improvements:\n\n```{{ .language }}\n{{ .code }}\n```\n\nProvide specific, actionable feedback.",
			Description: "Code review assistant",
			Variables:   []string{"code", "language"},
			Category:    CategoryCoding,
		},
		{
			Name:        "explain",
			Template:    "Explain the following concept for a {{ .level }} developer:\n\n{{ .concept }}\n\nUse clear examples and avoid jargon.",
			Description: "Technical concept explainer",
			Variables:   []string{"concept", "level"},
			Category:    CategoryEducation,
		},
		{
			Name:        "summarize",
			Template:    "Summarize the following text in {{ .num_points }} key points:\n\n{{ .text }}",
			Description: "Text summarization",
			Variables:   []string{"text", "num_points"},
			Category:    CategoryGeneral,
		},
		{
			Name:        "debug",
			Template:    "I'm getting the following error:\n\n```\n{{ .error }}\n```\n\nIn this code:\n\n```{{ .language }}\n{{ .code }}\n```\n\nHelp me understand and fix this error.",
			Description: "Debugging assistant",
			Variables:   []string{"error", "code", "language"},
			Category:    CategoryCoding,
		},
		{
			Name:        "optimize",
			Template:    "Optimize the following {{ .language }} code for {{ .goal }}:\n\n```{{ .language }}\n{{ .code }}\n```\n\nExplain the optimizations you make.",
			Description: "Code optimization",
			Variables:   []string{"code", "language", "goal"},
			Category:    CategoryCoding,
		},
		{
			Name:        "test",
			Template:    "Generate comprehensive unit tests for this {{ .language }} function:\n\n```{{ .language }}\n{{ .code }}\n```\n\nInclude edge cases and error handling tests.",
			Description: "Test generation",
			Variables:   []string{"code", "language"},
			Category:    CategoryCoding,
		},
		{
			Name:        "document",
			Template:    "Generate clear documentation for this {{ .language }} code:\n\n```{{ .language }}\n{{ .code }}\n```\n\nInclude docstrings, parameter descriptions, and usage examples.",
			Description: "Documentation generator",
			Variables:   []string{"code", "language"},
			Category:    CategoryCoding,
		},
		{
			Name:        "translate",
			Template:    "Translate this code from {{ .from_lang }} to {{ .to_lang }}:\n\n```{{ .from_lang }}\n{{ .code }}\n```\n\nMaintain functionality and add comments explaining key differences.",
			Description: "Code translation between languages",
			Variables:   []string{"code", "from_lang", "to_lang"},
			Category:    CategoryCoding,
		},
		{
			Name:        "brainstorm",
			Template:    "Help me brainstorm ideas for: {{ .topic }}\n\nProvide {{ .num_ideas }} creative, diverse ideas with brief explanations.",
			Description: "Creative brainstorming",
			Variables:   []string{"topic", "num_ideas"},
			Category:    CategoryCreative,
		},
		{
			Name:        "refactor",
			Template:    "Refactor this {{ .language }} code to improve {{ .aspect }}:\n\n```{{ .language }}\n{{ .code }}\n```\n\nExplain each refactoring step.",
			Description: "Code refactoring",
			Variables:   []string{"code", "language", "aspect"},
			Category:    CategoryCoding,
		},
	}
}
