// Package quality evaluates data-quality assertions, inline and
// contract-scoped, against materialized model output.
package quality

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/warehouse"
)

// AssertionKind is the closed set of recognized assertion forms.
type AssertionKind int

const (
	KindRowCount AssertionKind = iota
	KindNoNulls
	KindUnique
	KindAcceptedValues
	KindPredicate // arbitrary boolean SQL, the fallback
)

// Assertion is one parsed assertion expression.
type Assertion struct {
	Kind       AssertionKind
	Expression string // original text

	Op       string // row_count comparator
	Count    int64  // row_count operand
	Column   string
	Literals []string // accepted_values literals, verbatim SQL scalars
}

var (
	rowCountRe       = regexp.MustCompile(`^row_count\s*(>=|<=|!=|>|<|=)\s*(-?\d+)$`)
	noNullsRe        = regexp.MustCompile(`^no_nulls\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)
	uniqueRe         = regexp.MustCompile(`^unique\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)
	acceptedValuesRe = regexp.MustCompile(`^accepted_values\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*\[(.*)\]\s*\)$`)
)

// ParseAssertion classifies an assertion expression. Anything that does
// not match a built-in form is a raw boolean predicate.
func ParseAssertion(expr string) Assertion {
	trimmed := strings.TrimSpace(expr)
	if m := rowCountRe.FindStringSubmatch(trimmed); m != nil {
		n, _ := strconv.ParseInt(m[2], 10, 64)
		return Assertion{Kind: KindRowCount, Expression: expr, Op: m[1], Count: n}
	}
	if m := noNullsRe.FindStringSubmatch(trimmed); m != nil {
		return Assertion{Kind: KindNoNulls, Expression: expr, Column: m[1]}
	}
	if m := uniqueRe.FindStringSubmatch(trimmed); m != nil {
		return Assertion{Kind: KindUnique, Expression: expr, Column: m[1]}
	}
	if m := acceptedValuesRe.FindStringSubmatch(trimmed); m != nil {
		return Assertion{
			Kind:       KindAcceptedValues,
			Expression: expr,
			Column:     m[1],
			Literals:   splitLiterals(m[2]),
		}
	}
	return Assertion{Kind: KindPredicate, Expression: trimmed}
}

// splitLiterals splits a literal list on commas outside single quotes.
func splitLiterals(list string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(list); i++ {
		c := list[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			if lit := strings.TrimSpace(cur.String()); lit != "" {
				out = append(out, lit)
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if lit := strings.TrimSpace(cur.String()); lit != "" {
		out = append(out, lit)
	}
	return out
}

// Result is one evaluated assertion with its witnessing detail.
type Result struct {
	Expression string
	Passed     bool
	Detail     string
}

// Evaluator runs assertions as SELECT-only queries; it never needs the
// writer mutex.
type Evaluator struct {
	db *warehouse.DB
}

// NewEvaluator returns an evaluator over db.
func NewEvaluator(db *warehouse.DB) *Evaluator {
	return &Evaluator{db: db}
}

// EvaluateAll runs every expression against the model's output table,
// in declaration order. Database errors mark the assertion failed with
// the error in the detail; they never abort the remaining assertions.
func (e *Evaluator) EvaluateAll(ctx context.Context, fullName string, exprs []string) []Result {
	results := make([]Result, 0, len(exprs))
	for _, expr := range exprs {
		results = append(results, e.Evaluate(ctx, fullName, expr))
	}
	return results
}

// Evaluate runs one assertion against schema.name.
func (e *Evaluator) Evaluate(ctx context.Context, fullName string, expr string) Result {
	a := ParseAssertion(expr)
	rel := quoteFullName(fullName)
	res := Result{Expression: expr}

	switch a.Kind {
	case KindRowCount:
		count, err := e.scalar(ctx, fmt.Sprintf("SELECT count(*) FROM %s", rel))
		if err != nil {
			return errorResult(expr, err)
		}
		res.Passed = compare(count, a.Op, a.Count)
		res.Detail = fmt.Sprintf("row_count=%d", count)
	case KindNoNulls:
		count, err := e.scalar(ctx, fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE %s IS NULL", rel, materialize.QuoteIdent(a.Column)))
		if err != nil {
			return errorResult(expr, err)
		}
		res.Passed = count == 0
		res.Detail = fmt.Sprintf("null_count=%d", count)
	case KindUnique:
		col := materialize.QuoteIdent(a.Column)
		count, err := e.scalar(ctx, fmt.Sprintf(
			"SELECT count(*) FROM (SELECT %s FROM %s WHERE %s IS NOT NULL GROUP BY %s HAVING count(*) > 1)",
			col, rel, col, col))
		if err != nil {
			return errorResult(expr, err)
		}
		res.Passed = count == 0
		res.Detail = fmt.Sprintf("duplicate_count=%d", count)
	case KindAcceptedValues:
		col := materialize.QuoteIdent(a.Column)
		count, err := e.scalar(ctx, fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE %s IS NOT NULL AND %s NOT IN (%s)",
			rel, col, col, strings.Join(a.Literals, ", ")))
		if err != nil {
			return errorResult(expr, err)
		}
		res.Passed = count == 0
		res.Detail = fmt.Sprintf("unexpected_count=%d", count)
	case KindPredicate:
		count, err := e.scalar(ctx, fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE NOT (%s) OR (%s) IS NULL",
			rel, a.Expression, a.Expression))
		if err != nil {
			return errorResult(expr, err)
		}
		res.Passed = count == 0
		res.Detail = fmt.Sprintf("violation_count=%d", count)
	}
	return res
}

func (e *Evaluator) scalar(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := e.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func errorResult(expr string, err error) Result {
	return Result{
		Expression: expr,
		Passed:     false,
		Detail:     fmt.Sprintf("Assertion error: %v", err),
	}
}

func compare(got int64, op string, want int64) bool {
	switch op {
	case ">":
		return got > want
	case ">=":
		return got >= want
	case "<":
		return got < want
	case "<=":
		return got <= want
	case "=":
		return got == want
	case "!=":
		return got != want
	}
	return false
}

func quoteFullName(fullName string) string {
	parts := strings.SplitN(fullName, ".", 2)
	if len(parts) != 2 {
		return materialize.QuoteIdent(fullName)
	}
	return materialize.RelationFQN(parts[0], parts[1])
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
