package registry

import (
	"testing"

	"github.com/calendrion/core/internal/calerr"
)

func TestCreateRejectsCapacityExceeded(t *testing.T) {
	r := New(2, "1.0.0", "1.0.0", 0, nil)

	if _, err := r.Create("tnt-1", "https://1.2.3.4:80", "1.0.0", "1.2.3.4"); err != nil {
		t.Fatalf("Create 1: %s", err)
	}
	if _, err := r.Create("tnt-2", "https://1.2.3.5:80", "1.0.0", "1.2.3.5"); err != nil {
		t.Fatalf("Create 2: %s", err)
	}
	_, err := r.Create("tnt-3", "https://1.2.3.6:80", "1.0.0", "1.2.3.6")
	if err == nil || !calerr.Is(err, calerr.CapacityExceeded) {
		t.Fatalf("expected CapacityExceeded once the registry is full, got %v", err)
	}
}

func TestCreateRejectsDuplicateTntAddr(t *testing.T) {
	r := New(10, "1.0.0", "1.0.0", 0, nil)
	if _, err := r.Create("tnt-1", "https://1.2.3.4:80", "1.0.0", "1.2.3.4"); err != nil {
		t.Fatalf("Create: %s", err)
	}
	_, err := r.Create("tnt-1", "https://1.2.3.5:80", "1.0.0", "1.2.3.5")
	if err == nil || !calerr.Is(err, calerr.Conflict) {
		t.Fatalf("expected Conflict for a duplicate tnt address, got %v", err)
	}
}

func TestCreateRejectsBelowMinVersion(t *testing.T) {
	r := New(10, "2.0.0", "1.0.0", 0, nil)
	_, err := r.Create("tnt-1", "https://1.2.3.4:80", "1.0.0", "1.2.3.4")
	if err == nil || !calerr.Is(err, calerr.AuthFailure) {
		t.Fatalf("expected AuthFailure for a version below the new-registration minimum, got %v", err)
	}
	if calerr.HTTPStatusFor(err) != 426 {
		t.Fatalf("expected HTTP 426 for a below-minimum version, got %d", calerr.HTTPStatusFor(err))
	}
}

func TestCreateRejectsInsufficientBalance(t *testing.T) {
	r := New(10, "1.0.0", "1.0.0", 100, func(string) (int64, error) { return 5, nil })
	_, err := r.Create("tnt-1", "https://1.2.3.4:80", "1.0.0", "1.2.3.4")
	if err == nil || !calerr.Is(err, calerr.CapacityExceeded) {
		t.Fatalf("expected CapacityExceeded for insufficient on-chain balance, got %v", err)
	}
	if calerr.HTTPStatusFor(err) != 403 {
		t.Fatalf("expected HTTP 403 for insufficient balance, got %d", calerr.HTTPStatusFor(err))
	}
}

func TestUpdateUnknownTntAddrReturnsNotFoundCode(t *testing.T) {
	r := New(10, "1.0.0", "1.0.0", 0, nil)
	_, err := r.Update("no-such-node", "https://1.2.3.4:80", "tag", "1.0.0", func(string, string, string) bool { return true })
	if err == nil {
		t.Fatal("expected an error for an unknown tnt address")
	}
	if calerr.HTTPStatusFor(err) != 404 {
		t.Fatalf("expected HTTP 404 for an unknown tnt address, got %d", calerr.HTTPStatusFor(err))
	}
}

func TestUpdateRejectsBadHMAC(t *testing.T) {
	r := New(10, "1.0.0", "1.0.0", 0, nil)
	if _, err := r.Create("tnt-1", "https://1.2.3.4:80", "1.0.0", "1.2.3.4"); err != nil {
		t.Fatalf("Create: %s", err)
	}
	_, err := r.Update("tnt-1", "https://1.2.3.5:80", "bad-tag", "1.0.0", func(string, string, string) bool { return false })
	if err == nil || !calerr.Is(err, calerr.AuthFailure) {
		t.Fatalf("expected AuthFailure for a bad hmac tag, got %v", err)
	}
}

func TestUpdateRecordsChangeLogOnURIChange(t *testing.T) {
	r := New(10, "1.0.0", "1.0.0", 0, nil)
	if _, err := r.Create("tnt-1", "https://1.2.3.4:80", "1.0.0", "1.2.3.4"); err != nil {
		t.Fatalf("Create: %s", err)
	}
	n, err := r.Update("tnt-1", "https://1.2.3.5:80", "tag", "1.0.0", func(string, string, string) bool { return true })
	if err != nil {
		t.Fatalf("Update: %s", err)
	}
	if n.PublicURI != "https://1.2.3.5:80" {
		t.Fatalf("expected the public uri to update, got %s", n.PublicURI)
	}
	if len(n.ChangeLog) != 1 {
		t.Fatalf("expected one change-log entry, got %d", len(n.ChangeLog))
	}
}

func TestValidatePublicURIRules(t *testing.T) {
	cases := []struct {
		uri     string
		wantErr bool
	}{
		{"https://8.8.8.8:443", false},
		{"http://1.2.3.4:80", false},
		{"ftp://8.8.8.8", true},
		{"https://example.com", true}, // hostname, not a bare ip
		{"https://127.0.0.1:80", true},
		{"https://10.0.0.5:80", true},
		{"https://0.0.0.0:80", true},
		{"not a uri at all", true},
	}
	for _, c := range cases {
		err := ValidatePublicURI(c.uri)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidatePublicURI(%q): error=%v, wantErr=%v", c.uri, err, c.wantErr)
		}
	}
}

func TestRandomHealthyOnlyReturnsPositiveConsecutivePasses(t *testing.T) {
	r := New(10, "1.0.0", "1.0.0", 0, nil)
	n1, _ := r.Create("tnt-1", "https://1.2.3.4:80", "1.0.0", "1.2.3.4")
	n1.ConsecutivePasses = 3
	if _, err := r.Create("tnt-2", "https://1.2.3.5:80", "1.0.0", "1.2.3.5"); err != nil {
		t.Fatalf("Create: %s", err)
	}
	healthy := r.RandomHealthy(10)
	if len(healthy) != 1 || healthy[0].TntAddr != "tnt-1" {
		t.Fatalf("expected only the node with positive consecutivePasses, got %+v", healthy)
	}
}
