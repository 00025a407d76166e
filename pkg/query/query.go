// Package query implements the predicate tree, fluent builder, and
// execution engine used to filter, order, aggregate, and paginate rows
// in memory (spec.md §4.13).
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Operator is a condition's comparison kind.
type Operator string

const (
	OpEQ         Operator = "="
	OpNE         Operator = "!="
	OpLT         Operator = "<"
	OpLE         Operator = "<="
	OpGT         Operator = ">"
	OpGE         Operator = ">="
	OpIN         Operator = "IN"
	OpNotIN      Operator = "NOT IN"
	OpLike       Operator = "LIKE"
	OpNotLike    Operator = "NOT LIKE"
	OpIsNull     Operator = "IS NULL"
	OpIsNotNull  Operator = "IS NOT NULL"
	OpBetween    Operator = "BETWEEN"
	OpContains   Operator = "CONTAINS"
	OpStartsWith Operator = "STARTS WITH"
	OpEndsWith   Operator = "ENDS WITH"
	OpRegex      Operator = "REGEX"
)

// LogicalOp joins conditions within a group.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// Row is a generic row of column name to value, used by the query
// engine so it can operate over raw decoded rows from any backend.
type Row map[string]any

// Predicate is satisfied by both Condition and Group, letting groups
// nest arbitrarily.
type Predicate interface {
	Evaluate(row Row) bool
}

// Condition compares one column's value against a literal, matching the
// semantics of the original column-vs-value evaluator (§4.13): a
// numeric column compared against a string operand (or vice versa) is
// coerced before comparison.
type Condition struct {
	Column         string
	Op             Operator
	Value          any
	SecondaryValue any
}

// Evaluate reports whether row satisfies the condition.
func (c Condition) Evaluate(row Row) bool {
	colValue, present := row[c.Column]

	switch c.Op {
	case OpIsNull:
		return !present || colValue == nil
	case OpIsNotNull:
		return present && colValue != nil
	}

	if !present || colValue == nil {
		return false
	}

	normCol, normVal := normalizeForComparison(colValue, c.Value)

	switch c.Op {
	case OpEQ:
		return compareEqual(normCol, normVal)
	case OpNE:
		return !compareEqual(normCol, normVal)
	case OpLT:
		cmp, ok := compareOrdered(normCol, normVal)
		return ok && cmp < 0
	case OpLE:
		cmp, ok := compareOrdered(normCol, normVal)
		return ok && cmp <= 0
	case OpGT:
		cmp, ok := compareOrdered(normCol, normVal)
		return ok && cmp > 0
	case OpGE:
		cmp, ok := compareOrdered(normCol, normVal)
		return ok && cmp >= 0
	case OpIN:
		return inSlice(colValue, c.Value)
	case OpNotIN:
		return !inSlice(colValue, c.Value)
	case OpLike:
		return likeMatch(fmt.Sprint(c.Value), fmt.Sprint(colValue))
	case OpNotLike:
		return !likeMatch(fmt.Sprint(c.Value), fmt.Sprint(colValue))
	case OpBetween:
		lo, okLo := compareOrdered(c.Value, colValue)
		hi, okHi := compareOrdered(colValue, c.SecondaryValue)
		return okLo && okHi && lo <= 0 && hi <= 0
	case OpContains:
		return strings.Contains(fmt.Sprint(colValue), fmt.Sprint(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(fmt.Sprint(colValue), fmt.Sprint(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(fmt.Sprint(colValue), fmt.Sprint(c.Value))
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprint(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(colValue))
	}
	return false
}

// Group combines nested predicates with a logical operator, optionally
// negated.
type Group struct {
	Conditions []Predicate
	LogicalOp  LogicalOp
	Negated    bool
}

// Evaluate reports whether row satisfies the group.
func (g *Group) Evaluate(row Row) bool {
	if len(g.Conditions) == 0 {
		return true
	}

	var result bool
	switch g.LogicalOp {
	case LogicalOr:
		result = false
		for _, c := range g.Conditions {
			if c.Evaluate(row) {
				result = true
				break
			}
		}
	default:
		result = true
		for _, c := range g.Conditions {
			if !c.Evaluate(row) {
				result = false
				break
			}
		}
	}

	if g.Negated {
		return !result
	}
	return result
}

// Add appends a predicate to the group.
func (g *Group) Add(p Predicate) {
	g.Conditions = append(g.Conditions, p)
}

// normalizeForComparison mirrors the original's int/string coercion: if
// one side is numeric and the other a string, the string side is
// parsed to a number before comparing.
func normalizeForComparison(a, b any) (any, any) {
	if a == nil || b == nil {
		return a, b
	}
	aNum, aIsNum := asFloat(a)
	bNum, bIsNum := asFloat(b)
	aStr, aIsStr := a.(string)
	bStr, bIsStr := b.(string)

	if aIsNum && bIsStr {
		if parsed, err := strconv.ParseFloat(bStr, 64); err == nil {
			return aNum, parsed
		}
		return a, b
	}
	if aIsStr && bIsNum {
		if parsed, err := strconv.ParseFloat(aStr, 64); err == nil {
			return parsed, bNum
		}
		return a, b
	}
	return a, b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func compareEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareOrdered returns -1/0/1 comparing a to b, or ok=false if they
// cannot be ordered against each other.
func compareOrdered(a, b any) (int, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func inSlice(value any, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(value, item) {
			return true
		}
	}
	return false
}

func likeMatch(pattern, value string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile("(?i)" + b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// OrderSpec is one column to sort by.
type OrderSpec struct {
	Column     string
	Direction  Direction
	NullsFirst bool
}

// Aggregation is one aggregate computed per group (or over the whole
// result set when there is no GROUP BY).
type Aggregation struct {
	Column   string
	Function string // COUNT, SUM, AVG, MIN, MAX
	Alias    string
}

func (a Aggregation) resultKey() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.Function + "_" + a.Column
}

// Builder provides a fluent interface for assembling a query, mirroring
// the original QueryBuilder's chainable methods.
type Builder struct {
	TableName string

	selectColumns []string
	root          *Group
	current       *Group
	orderBy       []OrderSpec
	limit         *int
	offset        int
	groupBy       []string
	aggregations  []Aggregation
	distinct      bool
}

// New constructs a builder targeting tableName.
func New(tableName string) *Builder {
	root := &Group{LogicalOp: LogicalAnd}
	return &Builder{TableName: tableName, root: root, current: root}
}

// CacheKey returns a JSON-serializable snapshot of the built query,
// suitable as the params argument to a query-result cache. Identical
// builder call sequences serialize identically; conditions, sort
// columns and aggregations are serialized in the order they were added,
// so the same conditions added in a different order give a different
// key.
func (b *Builder) CacheKey() map[string]any {
	return map[string]any{
		"select":  b.selectColumns,
		"root":    b.root,
		"orderBy": b.orderBy,
		"limit":   b.limit,
		"offset":  b.offset,
		"groupBy": b.groupBy,
		"agg":     b.aggregations,
		"distinct": b.distinct,
	}
}

// Select restricts the projected columns.
func (b *Builder) Select(columns ...string) *Builder {
	b.selectColumns = append(b.selectColumns, columns...)
	return b
}

// SelectAll projects every column (the default).
func (b *Builder) SelectAll() *Builder {
	b.selectColumns = []string{"*"}
	return b
}

// Distinct deduplicates identical result rows.
func (b *Builder) Distinct() *Builder {
	b.distinct = true
	return b
}

// Where adds a condition to the current group.
func (b *Builder) Where(column string, op Operator, value any) *Builder {
	b.current.Add(Condition{Column: column, Op: op, Value: value})
	return b
}

func (b *Builder) WhereEQ(column string, value any) *Builder  { return b.Where(column, OpEQ, value) }
func (b *Builder) WhereNE(column string, value any) *Builder  { return b.Where(column, OpNE, value) }
func (b *Builder) WhereLT(column string, value any) *Builder  { return b.Where(column, OpLT, value) }
func (b *Builder) WhereLE(column string, value any) *Builder  { return b.Where(column, OpLE, value) }
func (b *Builder) WhereGT(column string, value any) *Builder  { return b.Where(column, OpGT, value) }
func (b *Builder) WhereGE(column string, value any) *Builder  { return b.Where(column, OpGE, value) }

// WhereIn filters to rows whose column value is one of values.
func (b *Builder) WhereIn(column string, values []any) *Builder {
	return b.Where(column, OpIN, values)
}

// WhereNotIn filters to rows whose column value is none of values.
func (b *Builder) WhereNotIn(column string, values []any) *Builder {
	return b.Where(column, OpNotIN, values)
}

// WhereLike applies a SQL-style % / _ pattern match.
func (b *Builder) WhereLike(column, pattern string) *Builder {
	return b.Where(column, OpLike, pattern)
}

// WhereNull filters to rows where column is absent or nil.
func (b *Builder) WhereNull(column string) *Builder { return b.Where(column, OpIsNull, nil) }

// WhereNotNull filters to rows where column is present and non-nil.
func (b *Builder) WhereNotNull(column string) *Builder { return b.Where(column, OpIsNotNull, nil) }

// WhereBetween filters to rows whose column value falls in [min, max].
func (b *Builder) WhereBetween(column string, min, max any) *Builder {
	b.current.Add(Condition{Column: column, Op: OpBetween, Value: min, SecondaryValue: max})
	return b
}

func (b *Builder) WhereContains(column, value string) *Builder {
	return b.Where(column, OpContains, value)
}
func (b *Builder) WhereStartsWith(column, value string) *Builder {
	return b.Where(column, OpStartsWith, value)
}
func (b *Builder) WhereEndsWith(column, value string) *Builder {
	return b.Where(column, OpEndsWith, value)
}
func (b *Builder) WhereRegex(column, pattern string) *Builder {
	return b.Where(column, OpRegex, pattern)
}

// OrWhere starts a fresh top-level OR group seeded with everything
// accumulated so far, matching the original's or_where semantics.
func (b *Builder) OrWhere(column string, op Operator, value any) *Builder {
	newGroup := &Group{LogicalOp: LogicalOr, Conditions: append([]Predicate(nil), b.root.Conditions...)}
	newGroup.Add(Condition{Column: column, Op: op, Value: value})
	b.root = newGroup
	b.current = newGroup
	return b
}

// GroupStart opens a nested condition group.
func (b *Builder) GroupStart(logicalOp LogicalOp) *Builder {
	newGroup := &Group{LogicalOp: logicalOp}
	b.current.Add(newGroup)
	b.current = newGroup
	return b
}

// GroupEnd closes the most recently opened nested group, returning to
// the root.
func (b *Builder) GroupEnd() *Builder {
	b.current = b.root
	return b
}

// OrderBy appends a sort column.
func (b *Builder) OrderBy(column string, direction Direction, nullsFirst bool) *Builder {
	b.orderBy = append(b.orderBy, OrderSpec{Column: column, Direction: direction, NullsFirst: nullsFirst})
	return b
}

func (b *Builder) OrderByAsc(column string) *Builder  { return b.OrderBy(column, Asc, false) }
func (b *Builder) OrderByDesc(column string) *Builder { return b.OrderBy(column, Desc, false) }

// Limit caps the number of returned rows.
func (b *Builder) Limit(count int) *Builder {
	b.limit = &count
	return b
}

// Offset skips the first count matching rows.
func (b *Builder) Offset(count int) *Builder {
	b.offset = count
	return b
}

// Paginate is a convenience for Offset((page-1)*perPage).Limit(perPage).
func (b *Builder) Paginate(page, perPage int) *Builder {
	b.offset = (page - 1) * perPage
	return b.Limit(perPage)
}

// GroupBy sets the grouping columns for aggregation.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

func (b *Builder) Count(column, alias string) *Builder {
	if column == "" {
		column = "*"
	}
	b.aggregations = append(b.aggregations, Aggregation{Column: column, Function: "COUNT", Alias: alias})
	return b
}
func (b *Builder) Sum(column, alias string) *Builder {
	b.aggregations = append(b.aggregations, Aggregation{Column: column, Function: "SUM", Alias: alias})
	return b
}
func (b *Builder) Avg(column, alias string) *Builder {
	b.aggregations = append(b.aggregations, Aggregation{Column: column, Function: "AVG", Alias: alias})
	return b
}
func (b *Builder) Min(column, alias string) *Builder {
	b.aggregations = append(b.aggregations, Aggregation{Column: column, Function: "MIN", Alias: alias})
	return b
}
func (b *Builder) Max(column, alias string) *Builder {
	b.aggregations = append(b.aggregations, Aggregation{Column: column, Function: "MAX", Alias: alias})
	return b
}

// Execute filters, aggregates-or-orders+paginates, and projects rows.
func (b *Builder) Execute(rows []Row) []Row {
	filtered := make([]Row, 0, len(rows))
	for _, row := range rows {
		if b.root.Evaluate(row) {
			filtered = append(filtered, row)
		}
	}

	if len(b.aggregations) > 0 {
		return b.executeAggregation(filtered)
	}

	if len(b.orderBy) > 0 {
		b.applyOrdering(filtered)
	}

	if b.offset > 0 {
		if b.offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[b.offset:]
		}
	}
	if b.limit != nil && *b.limit < len(filtered) {
		filtered = filtered[:*b.limit]
	}

	if len(b.selectColumns) > 0 && !(len(b.selectColumns) == 1 && b.selectColumns[0] == "*") {
		projected := make([]Row, len(filtered))
		for i, row := range filtered {
			out := make(Row, len(b.selectColumns))
			for _, col := range b.selectColumns {
				out[col] = row[col]
			}
			projected[i] = out
		}
		filtered = projected
	}

	if b.distinct {
		filtered = dedupe(filtered)
	}

	return filtered
}

func dedupe(rows []Row) []Row {
	seen := make(map[string]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(fmt.Sprint(row[k]))
			b.WriteByte('|')
		}
		sig := b.String()
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, row)
	}
	return out
}

func (b *Builder) applyOrdering(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ob := range b.orderBy {
			vi, pi := rows[i][ob.Column]
			vj, pj := rows[j][ob.Column]
			rank := func(v any, present bool) int {
				if !present || v == nil {
					if ob.NullsFirst {
						return 0
					}
					return 2
				}
				return 1
			}
			ri, rj := rank(vi, pi), rank(vj, pj)
			if ri != rj {
				return ri < rj
			}
			if ri == 1 {
				cmp, ok := compareOrdered(vi, vj)
				if ok && cmp != 0 {
					if ob.Direction == Desc {
						return cmp > 0
					}
					return cmp < 0
				}
			}
		}
		return false
	})
}

func (b *Builder) executeAggregation(rows []Row) []Row {
	if len(b.groupBy) == 0 {
		result := make(Row)
		for _, agg := range b.aggregations {
			result[agg.resultKey()] = computeAggregation(agg, rows)
		}
		if len(result) == 0 {
			return nil
		}
		return []Row{result}
	}

	type group struct {
		key  []any
		rows []Row
	}
	order := make([]string, 0)
	groups := make(map[string]*group)
	for _, row := range rows {
		key := make([]any, len(b.groupBy))
		for i, col := range b.groupBy {
			key[i] = row[col]
		}
		sig := fmt.Sprint(key)
		g, ok := groups[sig]
		if !ok {
			g = &group{key: key}
			groups[sig] = g
			order = append(order, sig)
		}
		g.rows = append(g.rows, row)
	}

	out := make([]Row, 0, len(groups))
	for _, sig := range order {
		g := groups[sig]
		result := make(Row, len(b.groupBy)+len(b.aggregations))
		for i, col := range b.groupBy {
			result[col] = g.key[i]
		}
		for _, agg := range b.aggregations {
			result[agg.resultKey()] = computeAggregation(agg, g.rows)
		}
		out = append(out, result)
	}
	return out
}

func computeAggregation(agg Aggregation, rows []Row) any {
	if agg.Function == "COUNT" {
		if agg.Column == "*" {
			return len(rows)
		}
		n := 0
		for _, row := range rows {
			if v, ok := row[agg.Column]; ok && v != nil {
				n++
			}
		}
		return n
	}

	var values []float64
	for _, row := range rows {
		v, ok := row[agg.Column]
		if !ok || v == nil {
			continue
		}
		if f, ok := asFloat(v); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil
	}

	switch agg.Function {
	case "SUM":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case "AVG":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case "MIN":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "MAX":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	}
	return nil
}
