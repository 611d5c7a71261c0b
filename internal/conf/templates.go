package conf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Templates holds the formatting strings used when assembling outbound
// assistant prompts. Loaded from YAML so operators can adjust wording
// without a rebuild; every empty field falls back to the default.
type Templates struct {
	DMPrefix    string `yaml:"dm_prefix"`
	GroupPrefix string `yaml:"group_prefix"`

	ThreadContextTag  string `yaml:"thread_context_tag"`
	GroupContextTag   string `yaml:"group_context_tag"`
	ReplyingToTag     string `yaml:"replying_to_tag"`
	CurrentMessageTag string `yaml:"current_message_tag"`
	InstructionsTag   string `yaml:"instructions_tag"`

	// RootFlag marks the thread root line inside a thread context block.
	RootFlag string `yaml:"root_flag"`
	// SmartInstruction is injected for smart-mode messages without a
	// direct mention, telling the assistant it may decline.
	SmartInstruction string `yaml:"smart_instruction"`
}

// DefaultTemplates returns the built-in formatting strings.
func DefaultTemplates() *Templates {
	return &Templates{
		DMPrefix:          "[Lark DM]",
		GroupPrefix:       "[Lark GROUP]",
		ThreadContextTag:  "thread-context",
		GroupContextTag:   "group-context",
		ReplyingToTag:     "replying-to",
		CurrentMessageTag: "current-message",
		InstructionsTag:   "instructions",
		RootFlag:          "(thread root)",
		SmartInstruction: "You received this group message because the group is in smart mode; " +
			"you were not mentioned directly. Reply only if you have something useful to add. " +
			"To stay silent, respond with exactly [SKIP].",
	}
}

// LoadTemplates reads the template file at path, tolerating a missing file.
func LoadTemplates(path string) (*Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTemplates(), nil
		}
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	t.fillDefaults()
	return &t, nil
}

func (t *Templates) fillDefaults() {
	d := DefaultTemplates()
	if t.DMPrefix == "" {
		t.DMPrefix = d.DMPrefix
	}
	if t.GroupPrefix == "" {
		t.GroupPrefix = d.GroupPrefix
	}
	if t.ThreadContextTag == "" {
		t.ThreadContextTag = d.ThreadContextTag
	}
	if t.GroupContextTag == "" {
		t.GroupContextTag = d.GroupContextTag
	}
	if t.ReplyingToTag == "" {
		t.ReplyingToTag = d.ReplyingToTag
	}
	if t.CurrentMessageTag == "" {
		t.CurrentMessageTag = d.CurrentMessageTag
	}
	if t.InstructionsTag == "" {
		t.InstructionsTag = d.InstructionsTag
	}
	if t.RootFlag == "" {
		t.RootFlag = d.RootFlag
	}
	if t.SmartInstruction == "" {
		t.SmartInstruction = d.SmartInstruction
	}
}

// Tags returns every structural tag name, used by the formatter to escape
// user text.
func (t *Templates) Tags() []string {
	return []string{
		t.ThreadContextTag,
		t.GroupContextTag,
		t.ReplyingToTag,
		t.CurrentMessageTag,
		t.InstructionsTag,
	}
}
