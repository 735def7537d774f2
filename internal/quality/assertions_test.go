package quality

import (
	"strings"
	"testing"
)

func TestParseAssertion(t *testing.T) {
	tests := []struct {
		expr string
		kind AssertionKind
	}{
		{"row_count > 0", KindRowCount},
		{"row_count>=10", KindRowCount},
		{"row_count != 5", KindRowCount},
		{"no_nulls(user_id)", KindNoNulls},
		{"no_nulls( user_id )", KindNoNulls},
		{"unique(id)", KindUnique},
		{"accepted_values(status, ['active', 'inactive'])", KindAcceptedValues},
		{"accepted_values(code, [1, 2, 3])", KindAcceptedValues},
		{"total >= 0 AND total < 1000000", KindPredicate},
		{"no_nulls(bad-ident)", KindPredicate},
		{"row_count > abc", KindPredicate},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			a := ParseAssertion(tt.expr)
			if a.Kind != tt.kind {
				t.Errorf("kind = %d, want %d", a.Kind, tt.kind)
			}
		})
	}
}

func TestParseRowCountOperands(t *testing.T) {
	a := ParseAssertion("row_count >= 42")
	if a.Op != ">=" || a.Count != 42 {
		t.Errorf("op=%q count=%d", a.Op, a.Count)
	}
}

func TestParseAcceptedValuesLiterals(t *testing.T) {
	a := ParseAssertion("accepted_values(status, ['a,b', 'c', 42])")
	want := []string{"'a,b'", "'c'", "42"}
	if len(a.Literals) != len(want) {
		t.Fatalf("literals = %v, want %v", a.Literals, want)
	}
	for i := range want {
		if a.Literals[i] != want[i] {
			t.Errorf("literals[%d] = %q, want %q", i, a.Literals[i], want[i])
		}
	}
	if a.Column != "status" {
		t.Errorf("column = %q", a.Column)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		got  int64
		op   string
		want int64
		pass bool
	}{
		{3, ">", 0, true},
		{0, ">", 0, false},
		{0, ">=", 0, true},
		{1, "<", 2, true},
		{2, "<=", 2, true},
		{2, "=", 2, true},
		{2, "!=", 2, false},
		{2, "~", 2, false},
	}
	for _, tt := range tests {
		if compare(tt.got, tt.op, tt.want) != tt.pass {
			t.Errorf("compare(%d %s %d) != %v", tt.got, tt.op, tt.want, tt.pass)
		}
	}
}

func TestAllPassed(t *testing.T) {
	if !AllPassed([]Result{{Passed: true}, {Passed: true}}) {
		t.Error("all true should pass")
	}
	if AllPassed([]Result{{Passed: true}, {Passed: false}}) {
		t.Error("one false should fail")
	}
	if !AllPassed(nil) {
		t.Error("empty should pass")
	}
}

func TestQuoteFullName(t *testing.T) {
	if got := quoteFullName("gold.dim_users"); got != `"gold"."dim_users"` {
		t.Errorf("quoteFullName = %q", got)
	}
}

func TestSplitLiteralsQuoted(t *testing.T) {
	got := splitLiterals("'x', 'y, z', 3")
	if len(got) != 3 || got[1] != "'y, z'" {
		t.Errorf("splitLiterals = %v", got)
	}
}

func TestErrorResultDetail(t *testing.T) {
	r := errorResult("unique(id)", errTest)
	if r.Passed {
		t.Error("error result must not pass")
	}
	if !strings.HasPrefix(r.Detail, "Assertion error: ") {
		t.Errorf("detail = %q", r.Detail)
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

var errTest = testErr("boom")
