// Package citation assigns stable, non-colliding identifiers to sources
// returned by the tutor's retrieval tools.
//
// Each conversation carries two monotonic counters, one per numbered source
// category (slide retrieval and web retrieval). The tool result normalizer
// advances the relevant counter as results arrive and rewrites each result's
// id before the model or the message log ever sees it, so a source number in
// assistant text is unique for the conversation's lifetime. Slide images are
// not numbered; they get composite identifiers derived from slide and page.
package citation
