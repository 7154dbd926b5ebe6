package processor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultCapabilities is the capability list advertised to the model.
var DefaultCapabilities = []string{
	"Answer questions about courses, assignments, and grades",
	"Help with study planning and time management",
	"Provide explanations of complex topics",
	"Assist with quiz preparation",
	"Help with file management and organization",
	"Provide general educational guidance",
	"Translate content between languages",
}

type promptInput struct {
	assistant    string
	capabilities []string
	language     LanguageInfo
	match        bool
	context      map[string]interface{}
}

func buildSystemPrompt(in promptInput) string {
	ctxJSON := "{}"
	if len(in.context) > 0 {
		if raw, err := json.Marshal(in.context); err == nil {
			ctxJSON = string(raw)
		}
	}
	match := "Yes"
	if !in.match {
		match = "No - the command may be in a different language"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an intelligent multilingual educational assistant.\n", in.assistant)
	b.WriteString("You help students, teachers, and administrators with educational tasks.\n\n")
	fmt.Fprintf(&b, "Current Language: %s (%s)\n", in.language.NativeName, in.language.Code)
	fmt.Fprintf(&b, "Language Match: %s\n\n", match)
	b.WriteString("Available capabilities:\n")
	for _, c := range in.capabilities {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	fmt.Fprintf(&b, "\nCurrent context: %s\n\n", ctxJSON)
	b.WriteString("Instructions:\n")
	fmt.Fprintf(&b, "1. Respond in %s (%s) unless the user asks for another language.\n", in.language.NativeName, in.language.Code)
	b.WriteString("2. If the command is in a different language, acknowledge it and respond appropriately.\n")
	b.WriteString("3. Be helpful, concise and encouraging; ask a clarifying question when information is missing.\n")
	b.WriteString("4. Give actionable advice when possible.\n")
	return b.String()
}

func buildTranslatePrompt(text string, from, to LanguageInfo) string {
	return fmt.Sprintf("Translate the following text from %s to %s.\n\nText: %s\n\n"+
		"Provide only the translation without any additional text or explanations.",
		from.NativeName, to.NativeName, text)
}
