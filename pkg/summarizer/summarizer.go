// Package summarizer defines collabnote's paragraph-summarization
// contract. Like pkg/ocr, the real summarization backend is out of
// scope (spec.md §1); the default implementation ports the original's
// sentence-count heuristic so SUMMARIZE is still exercised end to end.
package summarizer

import (
	"context"
	"strings"
)

// Summarizer condenses a paragraph down to a target number of
// sentences. Matches OCRManager.summarize_paragraph's signature.
type Summarizer interface {
	Summarize(ctx context.Context, paragraph string) (string, error)
}

// HeuristicSummarizer truncates a paragraph to its leading sentences,
// where the sentence budget is derived from the paragraph's own
// period count: summary.count(".") - 2 if summary.count(".") > 2 else
// 1, ported directly from the original's handle_summary call site.
type HeuristicSummarizer struct{}

func (HeuristicSummarizer) Summarize(ctx context.Context, paragraph string) (string, error) {
	total := strings.Count(paragraph, ".")
	budget := 1
	if total > 2 {
		budget = total - 2
	}

	sentences := splitSentences(paragraph)
	if len(sentences) <= budget {
		return paragraph, nil
	}
	return strings.Join(sentences[:budget], ". ") + ".", nil
}

func splitSentences(text string) []string {
	raw := strings.Split(text, ".")
	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
