package persona

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type catalogFile struct {
	Personas []Persona `mapstructure:"personas"`
}

// LoadCatalog reads personas from a JSON, YAML or TOML file whose top-level
// "personas" key holds an ordered list. An empty path yields the built-in catalog.
func LoadCatalog(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return New(Builtin())
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read persona catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode persona catalog %s: %w", path, err)
	}
	if len(file.Personas) == 0 {
		return nil, fmt.Errorf("persona catalog %s has no personas", path)
	}
	return New(file.Personas)
}

// Builtin is the catalog used when no file is configured.
func Builtin() []Persona {
	return []Persona{
		{
			ID:                 "assistant",
			Name:               "Assistant",
			Description:        "A friendly general-purpose helper.",
			Voice:              "alloy",
			SystemInstructions: "You are a helpful AI assistant. Speak naturally and conversationally.",
			Icon:               "🎙️",
		},
		{
			ID:                 "backend-mentor",
			Name:               "Backend Mentor",
			Description:        "A senior engineer for backend development and technical discussions.",
			Voice:              "echo",
			SystemInstructions: "You are a senior backend engineer. Explain trade-offs clearly, keep answers short enough to speak aloud, and ask a clarifying question when a request is ambiguous.",
			Icon:               "🛠️",
		},
		{
			ID:                 "language-tutor",
			Name:               "Language Tutor",
			Description:        "A patient conversation partner for practicing a new language.",
			Voice:              "shimmer",
			SystemInstructions: "You are a patient language tutor. Speak slowly, correct mistakes gently, and repeat corrected sentences back to the learner.",
			Icon:               "🗣️",
		},
		{
			ID:                 "storyteller",
			Name:               "Storyteller",
			Description:        "Improvises short stories on request.",
			Voice:              "sage",
			SystemInstructions: "You are a warm storyteller. Improvise vivid short stories and pause to let the listener steer the plot.",
			Icon:               "📖",
		},
	}
}
