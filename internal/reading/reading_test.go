package reading

import (
	"math"
	"testing"
)

func TestFormatParseRoundTrip(t *testing.T) {
	line := Format(12, 7, 1234.56, 0)
	anchor, tag, dist, ec, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if anchor != 12 || tag != 7 || ec != 0 {
		t.Fatalf("unexpected fields: anchor=%d tag=%d ec=%d", anchor, tag, ec)
	}
	if math.Abs(dist-1234.56) > 1e-9 {
		t.Fatalf("unexpected distance: %v", dist)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not a reading",
		"#12.34:001:002",        // too few fields
		"#abc:001:002:000",      // bad distance
		"#12.34:xxx:002:000",    // bad tag
		"#12.34:001:xxx:000",    // bad anchor
		"#12.34:001:002:xxx",    // bad error code
	}
	for _, c := range cases {
		if _, _, _, _, err := Parse(c); err == nil {
			t.Errorf("expected error parsing %q", c)
		}
	}
}

func TestParseAcceptsCRLF(t *testing.T) {
	if _, _, _, _, err := Parse("#00012.34:007:002:000\r\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDiscarded(t *testing.T) {
	r := Reading{ErrorCode: 1}
	if !r.Discarded() {
		t.Fatal("expected discarded")
	}
	r.ErrorCode = 0
	if r.Discarded() {
		t.Fatal("expected not discarded")
	}
}
