package rem

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// Default table for SEARCH when the query names none.
const defaultSearchTable = "resources"

// Result is what every query kind returns. Rows carry annotation keys
// prefixed with "_" ("_table", "_hop", "_rel_type", "_weight") alongside the
// entity columns. Plan is set only for TRAVERSE PLAN.
type Result struct {
	Kind QueryKind                `json:"kind"`
	Rows []map[string]interface{} `json:"rows"`
	Plan []PlanHop                `json:"plan,omitempty"`
}

// Engine parses and dispatches REM queries against the tenant repository.
type Engine struct {
	repo   *repository.Repository
	logger *zap.Logger
}

func NewEngine(repo *repository.Repository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, logger: logger}
}

// Execute parses and runs one query under the tenant. Failures are always
// *QueryError with a contract kind.
func (e *Engine) Execute(ctx context.Context, tenantID, queryText string) (*Result, error) {
	if tenantID == "" {
		return nil, classify(storage.ErrTenantMissing)
	}
	q, err := Parse(queryText)
	if err != nil {
		return nil, classify(err)
	}

	start := time.Now()
	res, err := e.run(ctx, tenantID, q)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueriesExecuted.WithLabelValues(string(q.Kind), status).Inc()
	metrics.QueryDuration.WithLabelValues(string(q.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		qe := classify(err)
		e.logger.Debug("Query failed",
			zap.String("kind", string(q.Kind)),
			zap.String("error_kind", qe.Kind),
			zap.Error(qe.Err),
		)
		return nil, qe
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, tenantID string, q *Query) (*Result, error) {
	switch q.Kind {
	case KindLookup:
		rows, err := e.executeLookup(ctx, tenantID, q.Lookup)
		if err != nil {
			return nil, err
		}
		return &Result{Kind: KindLookup, Rows: rows}, nil
	case KindSearch:
		rows, err := e.executeSearch(ctx, tenantID, q.Search)
		if err != nil {
			return nil, err
		}
		return &Result{Kind: KindSearch, Rows: rows}, nil
	case KindSQL:
		rows, err := e.executeSQL(ctx, tenantID, q.SQL)
		if err != nil {
			return nil, err
		}
		return &Result{Kind: KindSQL, Rows: rows}, nil
	case KindTraverse:
		return e.executeTraverse(ctx, tenantID, q.Traverse)
	default:
		return nil, queryErr(KindParse, "unknown query kind %q", q.Kind)
	}
}

// executeLookup resolves each key through the reverse index and merges,
// deduplicating by (table, entity id). A miss contributes nothing; an empty
// result is not an error.
func (e *Engine) executeLookup(ctx context.Context, tenantID string, lq *LookupQuery) ([]map[string]interface{}, error) {
	if lq.Table != "" {
		if _, ok := e.repo.Descriptor(lq.Table); !ok {
			return nil, queryErr(KindUnknownTable, "%s", lq.Table)
		}
	}

	seen := make(map[string]bool)
	var rows []map[string]interface{}
	for _, key := range lq.Keys {
		hits, err := e.repo.Lookup(ctx, tenantID, key, lq.Table, lq.Limit)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			desc, _ := e.repo.Descriptor(hit.Table)
			id, _ := hit.Row[desc.PrimaryKey].(string)
			dedupe := hit.Table + "/" + id
			if seen[dedupe] {
				continue
			}
			seen[dedupe] = true
			hit.Row["_table"] = hit.Table
			rows = append(rows, hit.Row)
		}
	}
	sortByUpdatedAt(rows)
	return rows, nil
}

// executeSearch embeds the text and ranks by similarity; ties break on
// recency.
func (e *Engine) executeSearch(ctx context.Context, tenantID string, sq *SearchQuery) ([]map[string]interface{}, error) {
	table := sq.Table
	if table == "" {
		table = defaultSearchTable
	}
	rows, err := e.repo.Search(ctx, tenantID, table, "", sq.Text, storage.SearchOptions{
		Limit:     sq.Limit,
		Threshold: sq.Threshold,
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row["_table"] = table
	}
	sort.SliceStable(rows, func(i, j int) bool {
		si, sj := toSimilarity(rows[i]), toSimilarity(rows[j])
		if si != sj {
			return si > sj
		}
		return rowUpdatedAt(rows[i]).After(rowUpdatedAt(rows[j]))
	})
	return rows, nil
}

// executeSQL validates, rewrites with the tenant predicate, and runs the
// statement through the raw substrate path.
func (e *Engine) executeSQL(ctx context.Context, tenantID string, sq *SQLQuery) ([]map[string]interface{}, error) {
	query, args, table, err := RewriteSQL(sq.Raw, e.repo.Descriptors())
	if err != nil {
		return nil, err
	}
	all := make([]interface{}, 0, len(args)+1)
	all = append(all, tenantID)
	all = append(all, args...)
	rows, err := e.repo.Store().Execute(ctx, query, all...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row["_table"] = table
	}
	return rows, nil
}

func sortByUpdatedAt(rows []map[string]interface{}) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rowUpdatedAt(rows[i]).After(rowUpdatedAt(rows[j]))
	})
}

func toSimilarity(row map[string]interface{}) float64 {
	if s, ok := row["similarity"].(float64); ok {
		return s
	}
	return 0
}
