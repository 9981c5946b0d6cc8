package utils

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		value   string
		pattern string
		want    bool
	}{
		{"invoice", "invoice", true},
		{"invoice", "payroll", false},
		{"anything", "*", true},
		{"", "*", true},

		// dotted hierarchy
		{"billing", "billing.*", true},
		{"billing.update", "billing.*", true},
		{"billing.update.bulk", "billing.*", true},
		{"billingx", "billing.*", false},
		{"payroll", "billing.*", false},

		// path hierarchy
		{"/api/v1", "/api/v1/*", true},
		{"/api/v1/users", "/api/v1/*", true},
		{"/api/v10", "/api/v1/*", false},

		// embedded wildcards
		{"invoice.read", "invoice.*", true},
		{"report-2026-q1", "report-*-q1", true},
		{"report-2026-q2", "report-*-q1", false},
		{"abcxdefyghi", "abc*def*ghi", true},
		{"abcdefghi", "abc*xyz*ghi", false},
		{"prefix-anything", "prefix-*", true},
	}
	for _, c := range cases {
		if got := Match(c.value, c.pattern); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.value, c.pattern, got, c.want)
		}
	}
}
