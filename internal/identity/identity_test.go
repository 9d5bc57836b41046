package identity

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+1 415-555-0100", "+14155550100", false},
		{"+1 (415) 555-0100", "+14155550100", false},
		{"14155550100", "+14155550100", false},
		{"tel:+201001234567", "+201001234567", false},
		{"not-a-number", "", true},
		{"0123", "", true},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("Canonicalize(%q): expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Canonicalize(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("whatsapp:+14155550100", "+1 (415) 555-0100") {
		t.Error("expected equal addresses to canonicalize equal")
	}
	if Equal("garbage", "+14155550100") {
		t.Error("expected invalid address to never equal a valid one")
	}
}
