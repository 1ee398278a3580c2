package assetcache

import "testing"

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":    512,
		"1k":     1024,
		"1kb":    1024,
		"64mb":   64 << 20,
		"1.5 GB": 3 << 29,
		"0":      0,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		if err != nil {
			t.Fatalf("parseBytes(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseBytes(%q)=%d want %d", in, got, want)
		}
	}
	for _, bad := range []string{"", "b", "-1k", "lots", "nan"} {
		if _, err := parseBytes(bad); err == nil {
			t.Errorf("parseBytes(%q) should fail", bad)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{
		12:      "12b",
		2048:    "2kb",
		1536:    "1.5kb",
		5 << 20: "5mb",
		3 << 30: "3gb",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d)=%q want %q", in, got, want)
		}
	}
}
