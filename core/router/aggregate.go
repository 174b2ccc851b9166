package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/sushant-115/gojoshard/core/dberrors"
	"github.com/sushant-115/gojoshard/internal/fanout"
	"github.com/sushant-115/gojoshard/pkg/connection"
	"go.uber.org/zap"
)

// Aggregate executes an aggregate expression across every shard and merges
// the per-shard results into a single value keyed by the expression.
//
// Merge rules by aggregate kind:
//   - COUNT, SUM: sum of the per-shard scalars.
//   - AVG: total SUM divided by total COUNT across shards. Averaging the
//     per-shard averages would bias toward small shards.
//   - MAX, MIN: global extremum of the per-shard extrema; shards with no
//     value are excluded, and an empty fleet yields nil.
//   - anything else: unsupported; a generic merge (numeric values summed,
//     otherwise last value wins) is applied for compatibility, and callers
//     should not rely on it.
func (r *Router) Aggregate(ctx context.Context, table, expr string) (map[string]any, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: aggregate expression must not be empty", dberrors.ErrInvalidArgument)
	}

	kind, column := parseAggregate(expr)
	switch kind {
	case "AVG", "AVERAGE":
		return r.aggregateAverage(ctx, table, expr, column)
	case "MAX", "MIN":
		return r.aggregateExtremum(ctx, table, expr, kind, column)
	case "COUNT", "SUM":
		return r.aggregateSum(ctx, table, expr)
	default:
		r.log.Warn("unsupported aggregate kind, applying generic merge",
			zap.String("expr", expr), zap.String("kind", kind))
		return r.aggregateSum(ctx, table, expr)
	}
}

// parseAggregate splits "KIND(column)" into its upper-cased kind and the raw
// column text. Expressions without parentheses yield an empty column.
func parseAggregate(expr string) (kind, column string) {
	open := strings.Index(expr, "(")
	if open < 0 {
		return strings.ToUpper(strings.TrimSpace(expr)), ""
	}
	kind = strings.ToUpper(strings.TrimSpace(expr[:open]))
	if end := strings.LastIndex(expr, ")"); end > open {
		column = strings.TrimSpace(expr[open+1 : end])
	}
	return kind, column
}

// aggregateSum evaluates expr on every shard and sums the numeric scalars.
// Non-numeric results fall back to last-value-wins. Shards whose result is
// NULL contribute nothing; an all-NULL fleet yields nil.
func (r *Router) aggregateSum(ctx context.Context, table, expr string) (map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", expr, table)

	results := fanout.Run(ctx, r.strategy.AllShardIDs(), r.workers, func(ctx context.Context, shardID int) (any, error) {
		var value any
		err := r.withConn(ctx, shardID, func(conn *connection.Conn) error {
			var qerr error
			value, qerr = conn.QueryValue(ctx, query)
			return qerr
		})
		return value, err
	})

	var merged any
	for _, shardID := range r.strategy.AllShardIDs() {
		out := results[shardID]
		if out.Err != nil {
			return nil, out.Err
		}
		if out.Value == nil {
			continue
		}
		if merged == nil {
			merged = out.Value
			continue
		}
		if sum, ok := addNumeric(merged, out.Value); ok {
			merged = sum
		} else {
			merged = out.Value
		}
	}
	return map[string]any{expr: merged}, nil
}

// aggregateAverage computes AVG as total sum over total count across shards.
func (r *Router) aggregateAverage(ctx context.Context, table, expr, column string) (map[string]any, error) {
	if column == "" {
		return nil, fmt.Errorf("%w: malformed aggregate expression %q", dberrors.ErrInvalidArgument, expr)
	}

	type sumCount struct {
		sum   float64
		count int64
	}
	sumQuery := fmt.Sprintf("SELECT SUM(%s) FROM %s", column, table)
	countQuery := fmt.Sprintf("SELECT COUNT(%s) FROM %s", column, table)

	results := fanout.Run(ctx, r.strategy.AllShardIDs(), r.workers, func(ctx context.Context, shardID int) (sumCount, error) {
		var sc sumCount
		err := r.withConn(ctx, shardID, func(conn *connection.Conn) error {
			sumVal, qerr := conn.QueryValue(ctx, sumQuery)
			if qerr != nil {
				return qerr
			}
			countVal, qerr := conn.QueryValue(ctx, countQuery)
			if qerr != nil {
				return qerr
			}
			if f, ok := toFloat(sumVal); ok {
				sc.sum = f
			}
			if n, ok := toInt(countVal); ok {
				sc.count = n
			}
			return nil
		})
		return sc, err
	})

	var totalSum float64
	var totalCount int64
	for _, out := range results {
		if out.Err != nil {
			return nil, out.Err
		}
		totalSum += out.Value.sum
		totalCount += out.Value.count
	}

	avg := 0.0
	if totalCount > 0 {
		avg = totalSum / float64(totalCount)
	}
	return map[string]any{expr: avg}, nil
}

// aggregateExtremum evaluates the shard-local MAX/MIN on every shard and
// takes the global extremum of the per-shard values.
func (r *Router) aggregateExtremum(ctx context.Context, table, expr, kind, column string) (map[string]any, error) {
	if column == "" {
		return nil, fmt.Errorf("%w: malformed aggregate expression %q", dberrors.ErrInvalidArgument, expr)
	}
	query := fmt.Sprintf("SELECT %s(%s) FROM %s", kind, column, table)

	results := fanout.Run(ctx, r.strategy.AllShardIDs(), r.workers, func(ctx context.Context, shardID int) (any, error) {
		var value any
		err := r.withConn(ctx, shardID, func(conn *connection.Conn) error {
			var qerr error
			value, qerr = conn.QueryValue(ctx, query)
			return qerr
		})
		return value, err
	})

	var best any
	for _, shardID := range r.strategy.AllShardIDs() {
		out := results[shardID]
		if out.Err != nil {
			return nil, out.Err
		}
		if out.Value == nil {
			// Empty or all-NULL column on this shard.
			continue
		}
		if best == nil {
			best = out.Value
			continue
		}
		cmp, ok := compareValues(out.Value, best)
		if !ok {
			continue
		}
		if (kind == "MAX" && cmp > 0) || (kind == "MIN" && cmp < 0) {
			best = out.Value
		}
	}
	return map[string]any{expr: best}, nil
}

// addNumeric sums two scalars, keeping integer arithmetic when both sides are
// integers. It reports false for non-numeric operands.
func addNumeric(a, b any) (any, bool) {
	ai, aIsInt := toInt(a)
	bi, bIsInt := toInt(b)
	if aIsInt && bIsInt {
		return ai + bi, true
	}
	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		return af + bf, true
	}
	return nil, false
}

// compareValues orders two scalars: numerically when both are numeric,
// lexically when both are strings.
func compareValues(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
	}
	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if !aOK || !bOK {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
