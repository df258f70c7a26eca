package record

import (
	"strings"
	"testing"
	"time"
)

func testTime(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2026-03-01T08:30:00Z")
	if err != nil {
		t.Fatalf("failed to parse test time: %v", err)
	}
	return ts
}

func TestContentKeyPerEntity(t *testing.T) {
	ts := testTime(t)

	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{
			name: "dose includes site",
			rec:  Record{Entity: EntityDose, Timestamp: ts, Quantity: 5, Site: "siteA"},
			want: "dose|2026-03-01T08:30:00Z|5|siteA",
		},
		{
			name: "dose without site",
			rec:  Record{Entity: EntityDose, Timestamp: ts, Quantity: 5},
			want: "dose|2026-03-01T08:30:00Z|5|",
		},
		{
			name: "vial includes lot number",
			rec:  Record{Entity: EntityVial, Timestamp: ts, Quantity: 10, LotNumber: "LOT-7"},
			want: "vial|2026-03-01T08:30:00Z|10|LOT-7",
		},
		{
			name: "weight has no location component",
			rec:  Record{Entity: EntityWeight, Timestamp: ts, Quantity: 82.4},
			want: "weight|2026-03-01T08:30:00Z|82.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.ContentKey(); got != tt.want {
				t.Errorf("ContentKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContentKeyIgnoresSubSecondAndZone(t *testing.T) {
	ts := testTime(t)
	local := Record{Entity: EntityDose, Timestamp: ts.Add(300 * time.Millisecond), Quantity: 5, Site: "siteA"}
	remote := Record{Entity: EntityDose, Timestamp: ts.In(time.FixedZone("CET", 3600)), Quantity: 5, Site: "siteA"}

	if local.ContentKey() != remote.ContentKey() {
		t.Errorf("content keys differ: %q vs %q", local.ContentKey(), remote.ContentKey())
	}
}

func TestContentKeyIgnoresOptionalFields(t *testing.T) {
	ts := testTime(t)
	bare := Record{Entity: EntityDose, Timestamp: ts, Quantity: 5, Site: "siteA"}
	full := bare
	full.Notes = "morning"
	full.RefID = "ref-1"

	if bare.ContentKey() != full.ContentKey() {
		t.Errorf("optional fields changed the content key")
	}
}

func TestCompletenessScore(t *testing.T) {
	ts := testTime(t)

	rec := Record{Entity: EntityDose, Timestamp: ts, Quantity: 5}
	if got := rec.CompletenessScore(); got != 0 {
		t.Errorf("empty optionals: score = %d, want 0", got)
	}

	rec.Notes = "x"
	if got := rec.CompletenessScore(); got != 1 {
		t.Errorf("one optional: score = %d, want 1", got)
	}

	rec.LotNumber = "LOT-7"
	rec.RefID = "ref-1"
	rec.BodyFatPct = 18.5
	if got := rec.CompletenessScore(); got != 4 {
		t.Errorf("all optionals: score = %d, want 4", got)
	}
}

func TestValidate(t *testing.T) {
	ts := testTime(t)

	valid := Record{LocalID: "l1", Entity: EntityDose, Timestamp: ts, Quantity: 5}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	tests := []struct {
		name    string
		rec     Record
		wantMsg string
	}{
		{"missing local id", Record{Entity: EntityDose, Timestamp: ts, Quantity: 5}, "local_id"},
		{"unknown entity", Record{LocalID: "l1", Entity: "pill", Timestamp: ts, Quantity: 5}, "unknown entity"},
		{"zero timestamp", Record{LocalID: "l1", Entity: EntityDose, Quantity: 5}, "timestamp"},
		{"non-positive quantity", Record{LocalID: "l1", Entity: EntityDose, Timestamp: ts}, "positive"},
		{"weight with site", Record{LocalID: "l1", Entity: EntityWeight, Timestamp: ts, Quantity: 80, Site: "siteA"}, "site"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestHandlerTableCoversAllEntityTypes(t *testing.T) {
	for _, e := range AllEntityTypes {
		h, ok := HandlerFor(e)
		if !ok {
			t.Errorf("no handler for entity type %q", e)
			continue
		}
		if h.RemotePath == "" {
			t.Errorf("handler for %q has empty remote path", e)
		}
	}
}

func TestIdentifierPrefersRemoteID(t *testing.T) {
	rec := Record{LocalID: "l1"}
	if got := rec.Identifier(); got != "l1" {
		t.Errorf("Identifier() = %q, want l1", got)
	}
	rec.RemoteID = "r9"
	if got := rec.Identifier(); got != "r9" {
		t.Errorf("Identifier() = %q, want r9", got)
	}
}
