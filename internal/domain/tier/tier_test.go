package tier

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	for _, s := range []string{"early", "emergency", "critical"} {
		got, err := Parse(s)
		if err != nil {
			t.Errorf("Parse(%q): %v", s, err)
		}
		if got.String() != s {
			t.Errorf("Parse(%q) = %q", s, got)
		}
	}

	if _, err := Parse("secret"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
	if _, err := Parse(""); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier for empty string, got %v", err)
	}
}

func TestAll(t *testing.T) {
	all := All()
	if len(all) != 3 || all[0] != Early || all[2] != Critical {
		t.Errorf("All() wrong: %v", all)
	}
}
