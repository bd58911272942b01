package audit

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func exportFixture() []*Event {
	return []*Event{
		{
			ID:          "evt-1",
			Type:        EventSecretBlocked,
			Timestamp:   time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
			Tenant:      "acme",
			RequestID:   "req-1",
			EntityType:  "openai_api_key",
			EntityCount: 1,
			SourceIP:    "192.0.2.7",
			Endpoint:    "/v1/chat/completions",
			Method:      "POST",
			StatusCode:  422,
			Risk:        RiskCritical,
		},
		{
			ID:        "evt-2",
			Type:      EventAPIRequest,
			Timestamp: time.Date(2026, 8, 25, 10, 0, 1, 0, time.UTC),
			Tenant:    "acme",
		},
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	if err := WriteJSON(&sb, exportFixture()); err != nil {
		t.Fatal(err)
	}

	var got []*Event
	if err := json.Unmarshal([]byte(sb.String()), &got); err != nil {
		t.Fatalf("export is not a valid JSON array: %v", err)
	}
	if len(got) != 2 || got[0].ID != "evt-1" || got[1].ID != "evt-2" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestWriteJSONEmpty(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	if err := WriteJSON(&sb, nil); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "[]" {
		t.Errorf("empty export = %q, want []", sb.String())
	}
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	if err := WriteCSV(&sb, exportFixture()); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(strings.NewReader(sb.String())).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}

	wantHeader := "event_id,event_type,timestamp,tenant_id,user_id,request_id," +
		"entity_type,entity_count,strategy_used,source_ip,endpoint,method,status_code,risk_level"
	if got := strings.Join(rows[0], ","); got != wantHeader {
		t.Errorf("header = %s\nwant %s", got, wantHeader)
	}

	first := rows[1]
	if first[0] != "evt-1" || first[1] != "secret_blocked" || first[2] != "2026-08-25T10:00:00Z" {
		t.Errorf("first row = %v", first)
	}
	if first[12] != "422" || first[13] != "critical" {
		t.Errorf("status/risk = %s/%s", first[12], first[13])
	}

	second := rows[2]
	if second[13] != "none" {
		t.Errorf("unset risk exported as %q, want none", second[13])
	}
}

func TestWriteExportFormats(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	if err := WriteExport(&sb, exportFixture(), FormatCSV); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sb.String(), "event_id,") {
		t.Error("csv format not selected")
	}

	sb.Reset()
	if err := WriteExport(&sb, exportFixture(), ""); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sb.String(), "[") {
		t.Error("default format should be json")
	}

	if err := WriteExport(&sb, nil, ExportFormat("xml")); err == nil {
		t.Error("expected error for unknown format")
	}
}
