// Package autoload registers every built-in LLM provider factory via blank
// import side effects, so main only needs one import to pull in the whole
// provider set instead of naming each wire-format subpackage individually.
package autoload

import (
	_ "openvia/pkg/llm/gemini"
	_ "openvia/pkg/llm/ollama"
	_ "openvia/pkg/llm/openailm"
	_ "openvia/pkg/llm/openairesponses"
)
