package dispatch

import (
	"encoding/json"
	"log/slog"

	"github.com/nugget/toolmux/internal/mcp"
)

// PartType discriminates content parts.
type PartType string

// Content part types.
const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartResource PartType = "resource"
	PartAudio    PartType = "audio"
)

// Part is one piece of normalized tool output. Which fields are set
// depends on Type:
//
//   - text: Text
//   - image, audio: Data (base64), MIMEType
//   - resource: URI, MIMEType, and either Text or Blob (base64); Name
//     for resource links
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Data     string   `json:"data,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	URI      string   `json:"uri,omitempty"`
	Name     string   `json:"name,omitempty"`
	Blob     string   `json:"blob,omitempty"`
}

// Result is a normalized tool call result.
type Result struct {
	Parts []Part `json:"parts"`

	// IsError is the tool's own failure flag. The call itself
	// succeeded; the tool reported a problem in Parts.
	IsError bool `json:"is_error"`

	// Structured is the tool's structured output, when it sent one.
	Structured json.RawMessage `json:"structured,omitempty"`

	// Dropped counts content items that could not be normalized.
	Dropped int `json:"dropped,omitempty"`
}

// wirePart is the union of every MCP content item shape.
type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text"`
	Data     string        `json:"data"`
	MIMEType string        `json:"mimeType"`
	URI      string        `json:"uri"`
	Name     string        `json:"name"`
	Resource *wireResource `json:"resource"`
}

type wireResource struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
	Text     string `json:"text"`
	Blob     string `json:"blob"`
}

// normalize converts a raw tools/call result. Items of an unknown
// type, or that fail to decode, are dropped and logged; the rest keep
// their order.
func normalize(raw *mcp.RawResult, logger *slog.Logger) Result {
	res := Result{
		Parts:   make([]Part, 0, len(raw.Content)),
		IsError: raw.IsError,
	}
	if len(raw.StructuredContent) > 0 && string(raw.StructuredContent) != "null" {
		res.Structured = raw.StructuredContent
	}

	for i, item := range raw.Content {
		var w wirePart
		if err := json.Unmarshal(item, &w); err != nil {
			logger.Warn("dropping undecodable content part", "index", i, "error", err)
			res.Dropped++
			continue
		}

		part, ok := convertPart(w)
		if !ok {
			logger.Warn("dropping unsupported content part", "index", i, "type", w.Type)
			res.Dropped++
			continue
		}
		res.Parts = append(res.Parts, part)
	}

	// Tools that only return structured output still get a readable
	// part.
	if len(res.Parts) == 0 && res.Structured != nil {
		res.Parts = append(res.Parts, Part{Type: PartText, Text: string(res.Structured)})
	}
	return res
}

func convertPart(w wirePart) (Part, bool) {
	switch w.Type {
	case "text":
		return Part{Type: PartText, Text: w.Text}, true
	case "image":
		return Part{Type: PartImage, Data: w.Data, MIMEType: w.MIMEType}, true
	case "audio":
		return Part{Type: PartAudio, Data: w.Data, MIMEType: w.MIMEType}, true
	case "resource":
		if w.Resource == nil || w.Resource.URI == "" {
			return Part{}, false
		}
		return Part{
			Type:     PartResource,
			URI:      w.Resource.URI,
			MIMEType: w.Resource.MIMEType,
			Text:     w.Resource.Text,
			Blob:     w.Resource.Blob,
		}, true
	case "resource_link":
		if w.URI == "" {
			return Part{}, false
		}
		return Part{Type: PartResource, URI: w.URI, Name: w.Name, MIMEType: w.MIMEType}, true
	default:
		return Part{}, false
	}
}

// Text concatenates the text parts of r, one per line.
func (r Result) Text() string {
	var out []byte
	for _, p := range r.Parts {
		if p.Type != PartText {
			continue
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, p.Text...)
	}
	return string(out)
}
