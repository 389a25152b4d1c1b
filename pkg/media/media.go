// Package media shapes rich output data: it normalizes caller-supplied MIME
// maps into inline representations, synthesizes a text/plain fallback, and
// reduces representation maps to the compact bundles handed to AI models.
package media

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/net/html"

	"github.com/notebookos/cellagent/pkg/notebook"
)

// Common MIME types.
const (
	TypePlain    = "text/plain"
	TypeHTML     = "text/html"
	TypeMarkdown = "text/markdown"
	TypeJSON     = "application/json"
)

// Tool-trace MIME types emitted by the AI driver. Prior AI cells are
// reconstructed into conversation turns from outputs carrying these types.
const (
	TypeToolCall   = "application/vnd.cellagent.tool-call+json"
	TypeToolResult = "application/vnd.cellagent.tool-result+json"
)

// IsJSONType reports whether a MIME type carries structured JSON data:
// application/json itself or any "+json" suffixed type.
func IsJSONType(mimeType string) bool {
	return mimeType == TypeJSON || strings.HasSuffix(mimeType, "+json")
}

// IsTextType reports whether a MIME type carries plain textual data.
func IsTextType(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/")
}

// Normalize converts a caller-supplied MIME map into inline representations.
//
// JSON-typed entries keep their value as a structured object. Text-typed
// entries coerce non-string scalars to strings. Everything else that is not
// already a string is JSON-stringified. After conversion a text/plain
// fallback is guaranteed: synthesized from HTML by tag-stripping, or from
// JSON by pretty-printing, when the caller supplied no plain text.
func Normalize(data map[string]any, metadata map[string]any) notebook.MimeBundle {
	bundle := make(notebook.MimeBundle, len(data)+1)
	for mimeType, value := range data {
		rep := notebook.MediaRepresentation{Kind: notebook.RepresentationInline}
		if md, ok := metadata[mimeType].(map[string]any); ok {
			rep.Metadata = md
		}
		switch {
		case IsJSONType(mimeType):
			rep.Data = value
		case IsTextType(mimeType):
			rep.Data = coerceText(value)
		default:
			rep.Data = stringify(value)
		}
		bundle[mimeType] = rep
	}
	ensurePlainFallback(bundle)
	return bundle
}

// ensurePlainFallback adds a text/plain representation when none exists.
func ensurePlainFallback(bundle notebook.MimeBundle) {
	if _, ok := bundle[TypePlain]; ok {
		return
	}
	if rep, ok := bundle[TypeHTML]; ok {
		if s, ok := rep.Data.(string); ok {
			bundle[TypePlain] = notebook.MediaRepresentation{
				Kind: notebook.RepresentationInline,
				Data: StripHTML(s),
			}
			return
		}
	}
	// Prefer application/json, then any +json type (stable order).
	if rep, ok := bundle[TypeJSON]; ok {
		bundle[TypePlain] = notebook.MediaRepresentation{
			Kind: notebook.RepresentationInline,
			Data: prettyJSON(rep.Data),
		}
		return
	}
	for _, mimeType := range sortedKeys(bundle) {
		if IsJSONType(mimeType) {
			bundle[TypePlain] = notebook.MediaRepresentation{
				Kind: notebook.RepresentationInline,
				Data: prettyJSON(bundle[mimeType].Data),
			}
			return
		}
	}
}

// Bundle is the reduced representation form prepared for LLM consumption.
type Bundle struct {
	MimeType string
	Text     string
}

// aiPreference orders the MIME types an AI bundle may be built from.
var aiPreference = []string{TypeMarkdown, TypePlain, TypeHTML}

// ToAIBundle reduces a representation map to the single best textual form
// for model consumption: markdown, then plain text, then tag-stripped HTML.
// Returns false when the bundle has no usable textual representation.
func ToAIBundle(reps notebook.MimeBundle) (Bundle, bool) {
	for _, mimeType := range aiPreference {
		rep, ok := reps[mimeType]
		if !ok || rep.Kind != notebook.RepresentationInline {
			continue
		}
		s, ok := rep.Data.(string)
		if !ok || s == "" {
			continue
		}
		if mimeType == TypeHTML {
			return Bundle{MimeType: TypePlain, Text: StripHTML(s)}, true
		}
		return Bundle{MimeType: mimeType, Text: s}, true
	}
	return Bundle{}, false
}

// StripANSI removes ANSI escape sequences from terminal text.
func StripANSI(s string) string {
	return ansi.Strip(s)
}

// StripHTML extracts the text content of an HTML fragment, discarding tags.
// Script and style bodies are dropped entirely.
func StripHTML(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

// coerceText turns scalar values into their string form for text/* types.
func coerceText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return fmt.Sprintf("%v", v)
	default:
		return stringify(v)
	}
}

// stringify renders an arbitrary value as compact JSON, falling back to the
// fmt representation when the value cannot be marshaled.
func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}

// prettyJSON renders a structured value with two-space indentation.
func prettyJSON(value any) string {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}

func sortedKeys(bundle notebook.MimeBundle) []string {
	keys := make([]string, 0, len(bundle))
	for k := range bundle {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
