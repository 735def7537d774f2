package model

import (
	"fmt"
	"strings"
)

// Directive prefixes recognized in model files. Each is a single-line
// SQL comment anchored at the start of the line.
const (
	prefixConfig      = "-- config:"
	prefixDependsOn   = "-- depends_on:"
	prefixAssert      = "-- assert:"
	prefixDescription = "-- description:"
	prefixColumn      = "-- column "
)

// configKeys enumerates the accepted config directive keys. Anything
// else is a parse error pointing at the offending file and line.
var configKeys = map[string]bool{
	"materialized":         true,
	"schema":               true,
	"unique_key":           true,
	"incremental_strategy": true,
	"partition_by":         true,
	"incremental_filter":   true,
}

// identConfigKeys are config values that must satisfy the identifier
// grammar.
var identConfigKeys = map[string]bool{
	"schema":       true,
	"unique_key":   true,
	"partition_by": true,
}

// Parse interprets the raw file content of a model. The schema argument
// is the default logical schema (the file's parent directory); a
// schema= config key overrides it. Directive problems are collected on
// the model rather than aborting, so discovery always yields a model
// and validation reports the errors with file context.
func Parse(path, schema, name, raw string) *Model {
	m := &Model{
		Path:         path,
		Schema:       schema,
		Name:         name,
		RawSQL:       raw,
		Materialized: MaterializedView,
		ColumnDocs:   map[string]string{},
	}

	var queryLines []string
	for i, line := range strings.Split(raw, "\n") {
		lineNo := i + 1
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(trimmed, prefixConfig):
			m.parseConfig(strings.TrimPrefix(trimmed, prefixConfig), lineNo)
		case strings.HasPrefix(trimmed, prefixDependsOn):
			m.parseDependsOn(strings.TrimPrefix(trimmed, prefixDependsOn), lineNo)
		case strings.HasPrefix(trimmed, prefixAssert):
			expr := strings.TrimSpace(strings.TrimPrefix(trimmed, prefixAssert))
			if expr != "" {
				m.Assertions = append(m.Assertions, expr)
			}
		case strings.HasPrefix(trimmed, prefixDescription):
			m.Description = strings.TrimSpace(strings.TrimPrefix(trimmed, prefixDescription))
		case strings.HasPrefix(trimmed, prefixColumn):
			m.parseColumnDoc(strings.TrimPrefix(trimmed, prefixColumn), lineNo)
		default:
			queryLines = append(queryLines, trimmed)
		}
	}

	// Trim leading blank lines left behind by stripped directives.
	for len(queryLines) > 0 && strings.TrimSpace(queryLines[0]) == "" {
		queryLines = queryLines[1:]
	}
	m.Query = strings.Join(queryLines, "\n")
	m.ContentHash = HashQuery(m.Query)
	return m
}

func (m *Model) parseConfig(rest string, lineNo int) {
	for _, pair := range splitConfigPairs(rest) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.Index(pair, "=")
		if eq < 0 {
			m.errf(lineNo, "config entry %q is not key=value", pair)
			continue
		}
		key := strings.TrimSpace(pair[:eq])
		value := strings.TrimSpace(pair[eq+1:])
		if !configKeys[key] {
			m.errf(lineNo, "unknown config key %q", key)
			continue
		}
		if identConfigKeys[key] && !ValidIdent(value) {
			m.errf(lineNo, "config %s=%q is not a valid identifier", key, value)
			continue
		}
		switch key {
		case "materialized":
			switch value {
			case MaterializedView, MaterializedTable, MaterializedIncremental:
				m.Materialized = value
			default:
				m.errf(lineNo, "materialized must be view, table, or incremental (got %q)", value)
			}
		case "schema":
			m.Schema = value
		case "unique_key":
			m.UniqueKey = value
		case "partition_by":
			m.PartitionBy = value
		case "incremental_strategy":
			switch value {
			case StrategyMerge, StrategyDeleteInsert, StrategyAppend:
				m.IncrementalStrategy = value
			default:
				m.errf(lineNo, "incremental_strategy must be merge, delete+insert, or append (got %q)", value)
			}
		case "incremental_filter":
			m.IncrementalFilter = value
		}
	}
}

// splitConfigPairs splits a config line on commas outside single
// quotes and parentheses, so values like incremental_filter's SQL
// fragments keep their literal lists intact.
func splitConfigPairs(rest string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	inQuote := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case inQuote:
			cur.WriteByte(c)
		case c == '(':
			depth++
			cur.WriteByte(c)
		case c == ')':
			depth--
			cur.WriteByte(c)
		case c == ',' && depth == 0:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

func (m *Model) parseDependsOn(rest string, lineNo int) {
	for _, dep := range strings.Split(rest, ",") {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		parts := strings.Split(dep, ".")
		if len(parts) != 2 || !ValidIdent(parts[0]) || !ValidIdent(parts[1]) {
			m.errf(lineNo, "depends_on entry %q is not schema.name", dep)
			continue
		}
		m.DependsOn = append(m.DependsOn, dep)
	}
}

func (m *Model) parseColumnDoc(rest string, lineNo int) {
	colon := strings.Index(rest, ":")
	if colon < 0 {
		m.errf(lineNo, "column doc %q missing ':'", rest)
		return
	}
	col := strings.TrimSpace(rest[:colon])
	if !ValidIdent(col) {
		m.errf(lineNo, "column doc name %q is not a valid identifier", col)
		return
	}
	m.ColumnDocs[col] = strings.TrimSpace(rest[colon+1:])
}

func (m *Model) errf(lineNo int, format string, args ...interface{}) {
	prefix := fmt.Sprintf("%s:%d: ", m.Path, lineNo)
	m.ParseErrs = append(m.ParseErrs, fmt.Errorf(prefix+format, args...))
}
