package naming

import (
	_ "embed"
)

// SystemPrompt instructs the model to answer with a short role name only.
//
//go:embed prompts/system.md
var SystemPrompt string

// UserPromptTemplate precedes the task description.
const UserPromptTemplate = "Task description:\n"
