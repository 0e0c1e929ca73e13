// Package rules prepends the Dungeon Master instruction block to player input.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed dmrules.txt
var defaultBlock string

// Delimiter separates the instruction block from the player's text.
const Delimiter = "\n\n USER: "

// Injector joins a fixed instruction block with player text. The zero value
// uses the embedded Dungeon Master rules.
type Injector struct {
	block string
}

func Default() Injector {
	return Injector{block: strings.TrimSpace(defaultBlock)}
}

func New(block string) Injector {
	return Injector{block: strings.TrimSpace(block)}
}

// Load reads an instruction block from path. An empty path yields Default.
func Load(path string) (Injector, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Injector{}, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	block := strings.TrimSpace(string(data))
	if block == "" {
		return Injector{}, fmt.Errorf("rules file %s is empty", path)
	}
	return Injector{block: block}, nil
}

func (in Injector) Block() string {
	if in.block == "" {
		return strings.TrimSpace(defaultBlock)
	}
	return in.block
}

// Inject returns the instruction block followed by the trimmed player text.
// It never strips a previously injected block, so call it once per outbound message.
func (in Injector) Inject(userText string) string {
	return in.Block() + Delimiter + strings.TrimSpace(userText)
}

// Inject applies the default rules.
func Inject(userText string) string {
	return Default().Inject(userText)
}

// Strip returns the player text of an injected message. Content without a
// rule block is returned unchanged.
func Strip(content string) string {
	if i := strings.LastIndex(content, Delimiter); i >= 0 {
		return content[i+len(Delimiter):]
	}
	return content
}
