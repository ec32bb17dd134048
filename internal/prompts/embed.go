// Package prompts provides externalized phase prompt templates with override support.
package prompts

import "embed"

//go:embed phases/*.md phases/*.tmpl
var embeddedFS embed.FS
