package mailaddr

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain", "alerts@t.onmicrosoft.com", false},
		{"bracketed", "<alerts@t.onmicrosoft.com>", false},
		{"leading/trailing space", "  <ops@example.com>  ", false},
		{"quoted local part", `<"o p s"@example.com>`, false},
		{"no at sign", "alerts", true},
		{"empty", "", true},
		{"at sign at start", "@example.com", true},
		{"at sign at end", "alerts@", true},
		{"domain with space", "alerts@exa mple.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestSameMailbox(t *testing.T) {
	a, err := Parse("Alerts@T.onmicrosoft.com")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse("alerts@t.ONMICROSOFT.com")
	if err != nil {
		t.Fatal(err)
	}
	if !SameMailbox(a, b) {
		t.Errorf("expected %v and %v to be the same mailbox", a, b)
	}

	c, err := Parse("other@t.onmicrosoft.com")
	if err != nil {
		t.Fatal(err)
	}
	if SameMailbox(a, c) {
		t.Errorf("did not expect %v and %v to be the same mailbox", a, c)
	}
}

func TestSplitUsername(t *testing.T) {
	a := SplitUsername("alerts")
	if a.LocalLower != "alerts" || a.Domain != "" {
		t.Errorf("got %+v", a)
	}
	b := SplitUsername("Alerts@T.onmicrosoft.com")
	if b.LocalLower != "alerts" || b.Domain != "T.onmicrosoft.com" {
		t.Errorf("got %+v", b)
	}
}
