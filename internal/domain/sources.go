package domain

// RagSource is one retrieved slide passage. Immutable once created; the ID is
// assigned by the tool result normalizer and never reused within a
// conversation.
type RagSource struct {
	ID         string `json:"id"`
	SlideID    string `json:"slide_id"`
	DocumentID string `json:"document_id"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	Text       string `json:"text"`
}

// WebSource is one retrieved web result.
type WebSource struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Text  string `json:"text"`
}

// ImageKind distinguishes a reference to the currently viewed slide page from
// a reference to a previously viewed one.
type ImageKind string

const (
	ImageKindCurrent  ImageKind = "current"
	ImageKindPrevious ImageKind = "previous"
)

// ImageSource is one slide-image reference. Unlike rag and web sources it is
// identified by a composite of slide and page rather than a counter: images
// are referenced by position, not accumulated in a numbered list.
type ImageSource struct {
	ID         string    `json:"id"`
	Kind       ImageKind `json:"kind"`
	SlideID    string    `json:"slide_id"`
	PageNumber int       `json:"page_number"`
}

// SourceSet groups the resolved sources attached to one user-facing assistant
// message. Order within each list follows citation order, not id order.
type SourceSet struct {
	Rag    []RagSource
	Web    []WebSource
	Images []ImageSource
}

// IsEmpty reports whether no sources were resolved.
func (s SourceSet) IsEmpty() bool {
	return len(s.Rag) == 0 && len(s.Web) == 0 && len(s.Images) == 0
}
