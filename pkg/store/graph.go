package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetGraph builds a summary's dependency graph: the root node
// (type=summary) with its outbound links as children, plus one
// type=parent node per summary that links into the root, each with
// the root as its sole child. Grounded on spec.md §4.6 and the
// consumption pattern of original_source/GraphDial.py, which treats
// a node's Children as plain ids resolved by lookup in the flat node
// list rather than embedded sub-nodes.
func (s *SQLiteStore) GetGraph(ctx context.Context, summaryID int64) ([]*GraphNode, error) {
	root, err := s.GetSummary(ctx, summaryID)
	if err != nil {
		return nil, err
	}

	outbound, err := s.linkTargets(ctx, summaryID)
	if err != nil {
		return nil, err
	}
	inbound, err := s.linkSources(ctx, summaryID)
	if err != nil {
		return nil, err
	}

	nodes := []*GraphNode{{
		ID:       root.ID,
		Name:     root.ShareLink,
		Type:     GraphNodeSummary,
		Children: outbound,
	}}

	for _, parentID := range inbound {
		parent, err := s.GetSummary(ctx, parentID)
		if err != nil {
			continue
		}
		nodes = append(nodes, &GraphNode{
			ID:       parent.ID,
			Name:     parent.ShareLink,
			Type:     GraphNodeParent,
			Children: []int64{root.ID},
		})
	}

	return nodes, nil
}

func (s *SQLiteStore) linkTargets(ctx context.Context, sourceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT target_summary_id FROM links WHERE source_summary_id = ?", sourceID)
	if err != nil {
		return nil, fmt.Errorf("store: link targets: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *SQLiteStore) linkSources(ctx context.Context, targetID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT source_summary_id FROM links WHERE target_summary_id = ?", targetID)
	if err != nil {
		return nil, fmt.Errorf("store: link sources: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// encodeGraph/decodeGraph serialize a graph snapshot for historic
// storage. The teacher's ecosystem has no object-pickling library, so
// this is plain JSON behind the historic "graph.pkl" filename spec.md
// names — the content format is an internal implementation detail the
// filename's legacy extension does not constrain.
func encodeGraph(nodes []*GraphNode) ([]byte, error) {
	data, err := json.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("store: encode graph: %w", err)
	}
	return data, nil
}

func decodeGraph(data []byte) ([]*GraphNode, error) {
	var nodes []*GraphNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("store: decode graph: %w", err)
	}
	return nodes, nil
}
