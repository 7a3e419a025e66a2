package citation

import (
	"encoding/json"
	"fmt"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// Names of the retrieval tools exposed to the tutor runtime. Tool messages in
// the conversation log carry these names; resolution matches against them.
const (
	ToolRetrieveSlides  = "retrieve_slides"
	ToolSearchWeb       = "search_web"
	ToolFetchSlideImage = "fetch_slide_image"
)

// Category classifies a tool result for normalization purposes.
type Category string

const (
	CategoryRag   Category = "rag"
	CategoryWeb   Category = "web"
	CategoryImage Category = "image"
)

// CategoryForTool maps a tool name to its source category.
func CategoryForTool(toolName string) (Category, bool) {
	switch toolName {
	case ToolRetrieveSlides:
		return CategoryRag, true
	case ToolSearchWeb:
		return CategoryWeb, true
	case ToolFetchSlideImage:
		return CategoryImage, true
	default:
		return "", false
	}
}

// Tool payloads are a closed union per category: success flag plus a typed
// result list. They are decoded exactly once, at the store or normalizer
// boundary, never probed field-by-field at resolution sites.

// RagPayload is the slide-retrieval tool result.
type RagPayload struct {
	Success bool               `json:"success"`
	Results []domain.RagSource `json:"results"`
}

// WebPayload is the web-search tool result.
type WebPayload struct {
	Success bool               `json:"success"`
	Results []domain.WebSource `json:"results"`
}

// ImagePayload is the slide-image lookup result.
type ImagePayload struct {
	Success bool                 `json:"success"`
	Results []domain.ImageSource `json:"results"`
}

// DecodeRagPayload decodes a slide-retrieval payload.
func DecodeRagPayload(raw json.RawMessage) (RagPayload, error) {
	var p RagPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return RagPayload{}, fmt.Errorf("decode rag payload: %w", err)
	}
	return p, nil
}

// DecodeWebPayload decodes a web-search payload.
func DecodeWebPayload(raw json.RawMessage) (WebPayload, error) {
	var p WebPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return WebPayload{}, fmt.Errorf("decode web payload: %w", err)
	}
	return p, nil
}

// DecodeImagePayload decodes a slide-image payload.
func DecodeImagePayload(raw json.RawMessage) (ImagePayload, error) {
	var p ImagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ImagePayload{}, fmt.Errorf("decode image payload: %w", err)
	}
	return p, nil
}

// emptyFailedPayload is what a failed or undecodable tool call propagates: the
// model must never be able to cite a source from a failed call.
var emptyFailedPayload = json.RawMessage(`{"success":false,"results":[]}`)

// EmptyFailedPayload returns the canonical failed tool payload.
func EmptyFailedPayload() json.RawMessage {
	return emptyFailedPayload
}
