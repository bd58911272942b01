package audit

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportFormat selects the serialization used by WriteExport.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// csvColumns is the fixed export column order. user_agent, api_key_hash,
// error_message and metadata are deliberately left out of CSV exports;
// use JSON when the full record is needed.
var csvColumns = []string{
	"event_id", "event_type", "timestamp",
	"tenant_id", "user_id", "request_id",
	"entity_type", "entity_count", "strategy_used",
	"source_ip", "endpoint", "method", "status_code", "risk_level",
}

// WriteExport serializes events to w in the given format.
func WriteExport(w io.Writer, events []*Event, format ExportFormat) error {
	switch format {
	case FormatJSON, "":
		return WriteJSON(w, events)
	case FormatCSV:
		return WriteCSV(w, events)
	default:
		return fmt.Errorf("audit: unknown export format %q", format)
	}
}

// WriteJSON writes events as one JSON array.
func WriteJSON(w io.Writer, events []*Event) error {
	bw := bufio.NewWriter(w)
	bw.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			bw.WriteByte(',')
		}
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit: encode event: %w", err)
		}
		bw.Write(line)
	}
	bw.WriteByte(']')
	return bw.Flush()
}

// WriteCSV writes events with a header row in the csvColumns order.
func WriteCSV(w io.Writer, events []*Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for _, e := range events {
		risk := e.Risk
		if risk == "" {
			risk = RiskNone
		}
		row := []string{
			e.ID, string(e.Type), e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Tenant, e.UserID, e.RequestID,
			e.EntityType, strconv.Itoa(e.EntityCount), e.StrategyUsed,
			e.SourceIP, e.Endpoint, e.Method, strconv.Itoa(e.StatusCode), string(risk),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
