// Package model defines SQL transform models and their discovery from
// the transform tree. A model is one .sql file plus the inline
// directives parsed out of its leading comments.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Materialization kinds.
const (
	MaterializedView        = "view"
	MaterializedTable       = "table"
	MaterializedIncremental = "incremental"
)

// Incremental strategies.
const (
	StrategyMerge        = "merge"
	StrategyDeleteInsert = "delete+insert"
	StrategyAppend       = "append"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s satisfies the identifier grammar shared
// by model names, schemas, and directive-sourced columns.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// Model is a single .sql file interpreted as a materialization spec.
type Model struct {
	Path   string // source file path
	Schema string // logical schema (parent dir unless overridden)
	Name   string // file stem

	RawSQL string // file content as read
	Query  string // executable query, directives stripped

	Materialized        string // view, table, incremental
	UniqueKey           string
	IncrementalStrategy string
	PartitionBy         string
	IncrementalFilter   string // trusted WHERE fragment, may contain {this}

	DependsOn   []string // declared upstream full names, in order
	Assertions  []string // assert: expressions, in declaration order
	Description string
	ColumnDocs  map[string]string

	ContentHash  string // 16 hex chars over whitespace-normalized query
	UpstreamHash string // set by the planner

	// ParseErrs collects directive problems; the file is still
	// discovered so validation can surface them with context.
	ParseErrs []error
}

// FullName returns "schema.name".
func (m *Model) FullName() string {
	return m.Schema + "." + m.Name
}

// Strategy resolves the effective incremental strategy: explicit value
// if set, merge when a unique key is declared, append otherwise.
func (m *Model) Strategy() string {
	if m.IncrementalStrategy != "" {
		return m.IncrementalStrategy
	}
	if m.UniqueKey != "" {
		return StrategyMerge
	}
	return StrategyAppend
}

// Validate reports the first structural problem with the model, parse
// errors included.
func (m *Model) Validate() error {
	if len(m.ParseErrs) > 0 {
		return m.ParseErrs[0]
	}
	if !ValidIdent(m.Schema) {
		return fmt.Errorf("%s: invalid schema identifier %q", m.Path, m.Schema)
	}
	if !ValidIdent(m.Name) {
		return fmt.Errorf("%s: invalid model identifier %q", m.Path, m.Name)
	}
	switch m.Materialized {
	case MaterializedView, MaterializedTable, MaterializedIncremental:
	default:
		return fmt.Errorf("%s: invalid materialization %q", m.Path, m.Materialized)
	}
	if m.Materialized == MaterializedIncremental {
		switch m.Strategy() {
		case StrategyAppend:
		case StrategyMerge:
			if m.UniqueKey == "" {
				return fmt.Errorf("%s: merge strategy requires unique_key", m.Path)
			}
		case StrategyDeleteInsert:
			if m.UniqueKey == "" && m.PartitionBy == "" {
				return fmt.Errorf("%s: delete+insert strategy requires unique_key or partition_by", m.Path)
			}
		default:
			return fmt.Errorf("%s: invalid incremental_strategy %q", m.Path, m.IncrementalStrategy)
		}
	}
	return nil
}

var wsRe = regexp.MustCompile(`\s+`)

// NormalizeSQL collapses all runs of whitespace to single spaces so the
// content hash is stable under reformatting.
func NormalizeSQL(query string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(query, " "))
}

// HashQuery computes the 16-hex-char content hash of a query.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(NormalizeSQL(query)))
	return hex.EncodeToString(sum[:])[:16]
}

// HashConcat hashes a pre-sorted list of dependency content hashes into
// an upstream hash.
func HashConcat(hashes []string) string {
	sum := sha256.Sum256([]byte(strings.Join(hashes, "")))
	return hex.EncodeToString(sum[:])[:16]
}
