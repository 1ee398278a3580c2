package assetcache

import "testing"

func TestBypassRulesMatch(t *testing.T) {
	r := NewBypassRules([]string{"graph.microsoft.com", " ESM.sh ", "*.googleapis.com", ""})

	cases := []struct {
		host string
		want bool
	}{
		{"graph.microsoft.com", true},
		{"GRAPH.microsoft.com", true},
		{"graph.microsoft.com.", true},
		{"esm.sh", true},
		{"cdn.esm.sh", false},
		{"storage.googleapis.com", true},
		{"googleapis.com", false},
		{"app.example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := r.Match(tc.host); got != tc.want {
			t.Errorf("Match(%q)=%v want %v", tc.host, got, tc.want)
		}
	}
}

func TestBypassRulesEmpty(t *testing.T) {
	var r BypassRules
	if r.Match("graph.microsoft.com") {
		t.Fatal("zero rules must not match")
	}
}
