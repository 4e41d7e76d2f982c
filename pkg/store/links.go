package store

import (
	"context"
	"database/sql"
	"fmt"
)

// extractLinks returns every "###link <title>" title named in content,
// in order of appearance, per the regex in spec.md §4.6.
func extractLinks(content string) []string {
	matches := linkPattern.FindAllStringSubmatch(content, -1)
	titles := make([]string, 0, len(matches))
	for _, m := range matches {
		titles = append(titles, m[1])
	}
	return titles
}

// rewriteLinksTx replaces every outbound link edge from sourceID with
// the edges extracted from content, inside tx. A link whose title does
// not resolve via resolve is silently dropped, per spec.md. This is
// the delete-all-then-insert-all rewrite spec.md's Link invariant
// requires on every save.
func rewriteLinksTx(ctx context.Context, tx *sql.Tx, sourceID int64, content string, resolve func(context.Context, string) (int64, bool)) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM links WHERE source_summary_id = ?", sourceID); err != nil {
		return fmt.Errorf("store: delete links: %w", err)
	}
	for _, title := range extractLinks(content) {
		targetID, ok := resolve(ctx, title)
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO links (source_summary_id, target_summary_id, link_text) VALUES (?, ?, ?)",
			sourceID, targetID, title,
		)
		if err != nil {
			return fmt.Errorf("store: insert link: %w", err)
		}
	}
	return nil
}
