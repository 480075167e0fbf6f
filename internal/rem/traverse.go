package rem

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

// PlanNode is one frontier entry in PLAN mode; node bodies beyond the seeds
// are never materialized into the result.
type PlanNode struct {
	Table   string  `json:"table,omitempty"`
	ID      string  `json:"id,omitempty"`
	Key     string  `json:"key,omitempty"`
	RelType string  `json:"rel_type,omitempty"`
	Weight  float64 `json:"weight,omitempty"`
}

// PlanHop is the frontier at one BFS distance.
type PlanHop struct {
	Hop   int        `json:"hop"`
	Nodes []PlanNode `json:"nodes"`
}

type edge struct {
	from    map[string]interface{}
	dst     string
	relType string
	weight  float64
}

// executeTraverse runs BFS over graph_paths seeded by the inner query. The
// seeds themselves are not part of the result; cycles are broken by a
// visited set keyed on (table, id). Results are ordered hop ascending, then
// edge weight descending within a hop.
func (e *Engine) executeTraverse(ctx context.Context, tenantID string, tq *TraverseQuery) (*Result, error) {
	if tq.Depth > MaxDepth {
		return nil, queryErr(KindDepthExceeded, "depth %d exceeds maximum %d", tq.Depth, MaxDepth)
	}
	depth := tq.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}

	var seeds []map[string]interface{}
	var err error
	switch tq.Inner.Kind {
	case KindLookup:
		seeds, err = e.executeLookup(ctx, tenantID, tq.Inner.Lookup)
	case KindSearch:
		seeds, err = e.executeSearch(ctx, tenantID, tq.Inner.Search)
	default:
		return nil, queryErr(KindParse, "traverse inner query must be LOOKUP or SEARCH")
	}
	if err != nil {
		return nil, err
	}

	visited := make(map[string]bool)
	plan := []PlanHop{{Hop: 0}}
	for _, seed := range seeds {
		visited[nodeKey(seed)] = true
		plan[0].Nodes = append(plan[0].Nodes, planNodeFor(seed, "", 0))
	}

	frontier := seeds
	var results []map[string]interface{}

	for hop := 1; hop <= depth; hop++ {
		edges := collectEdges(frontier, tq.RelTypes)
		if len(edges) == 0 {
			break
		}
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].weight > edges[j].weight })

		var next []map[string]interface{}
		hopPlan := PlanHop{Hop: hop}
		for _, ed := range edges {
			nodes, err := e.resolveDst(ctx, tenantID, ed.dst)
			if err != nil {
				return nil, err
			}
			for _, node := range nodes {
				key := nodeKey(node)
				if visited[key] {
					continue
				}
				visited[key] = true
				node["_hop"] = hop
				node["_rel_type"] = ed.relType
				node["_weight"] = ed.weight
				next = append(next, node)
				if tq.Plan {
					hopPlan.Nodes = append(hopPlan.Nodes, planNodeFor(node, ed.relType, ed.weight))
				} else {
					results = append(results, node)
				}
			}
		}
		if tq.Plan {
			plan = append(plan, hopPlan)
		}
		frontier = next

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if tq.Plan {
		return &Result{Kind: KindTraverse, Plan: plan}, nil
	}
	return &Result{Kind: KindTraverse, Rows: results}, nil
}

// collectEdges reads each frontier node's graph_paths and applies the edge
// type disjunction.
func collectEdges(frontier []map[string]interface{}, relTypes []string) []edge {
	var edges []edge
	for _, node := range frontier {
		for _, gp := range graphPathsOf(node) {
			if !relTypeMatch(gp.RelType, relTypes) {
				continue
			}
			edges = append(edges, edge{from: node, dst: gp.Dst, relType: gp.RelType, weight: gp.Weight})
		}
	}
	return edges
}

func relTypeMatch(relType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if strings.EqualFold(f, relType) {
			return true
		}
	}
	return false
}

// graphPathsOf parses the node's graph_paths column. Rows that came through
// the map scanner carry JSON text; synthetic KV nodes have none.
func graphPathsOf(node map[string]interface{}) models.GraphPaths {
	raw, ok := node["graph_paths"]
	if !ok || raw == nil {
		return nil
	}
	var paths models.GraphPaths
	switch v := raw.(type) {
	case string:
		_ = json.Unmarshal([]byte(v), &paths)
	case []byte:
		_ = json.Unmarshal(v, &paths)
	case models.GraphPaths:
		paths = v
	}
	return paths
}

// resolveDst resolves an edge destination: entity id or name through the
// reverse index, falling back to a raw KV entity key. Unresolvable
// destinations are skipped, not errors; edges may outlive their targets.
func (e *Engine) resolveDst(ctx context.Context, tenantID, dst string) ([]map[string]interface{}, error) {
	hits, err := e.repo.Lookup(ctx, tenantID, dst, "", DefaultLookupLimit)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		rows := make([]map[string]interface{}, len(hits))
		for i, hit := range hits {
			hit.Row["_table"] = hit.Table
			rows[i] = hit.Row
		}
		return rows, nil
	}

	raw, found, err := e.repo.Store().KVGet(ctx, dst)
	if err != nil || !found {
		return nil, err
	}
	content := string(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		content = s
	}
	return []map[string]interface{}{{"_table": "kv", "entity_key": dst, "content": content}}, nil
}

func nodeKey(node map[string]interface{}) string {
	table, _ := node["_table"].(string)
	if table == "kv" {
		key, _ := node["entity_key"].(string)
		return "kv/" + key
	}
	id, _ := node["id"].(string)
	return table + "/" + id
}

func planNodeFor(node map[string]interface{}, relType string, weight float64) PlanNode {
	table, _ := node["_table"].(string)
	if table == "kv" {
		key, _ := node["entity_key"].(string)
		return PlanNode{Table: table, Key: key, RelType: relType, Weight: weight}
	}
	id, _ := node["id"].(string)
	name, _ := node["name"].(string)
	return PlanNode{Table: table, ID: id, Key: name, RelType: relType, Weight: weight}
}

func rowUpdatedAt(row map[string]interface{}) time.Time {
	switch v := row["updated_at"].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
