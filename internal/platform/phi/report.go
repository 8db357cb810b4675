package phi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ComplianceReport aggregates audit activity over a reporting period for
// HIPAA accounting. Tampered records are listed by id, never altered.
type ComplianceReport struct {
	PeriodStart    time.Time      `json:"period_start"`
	PeriodEnd      time.Time      `json:"period_end"`
	GeneratedAt    time.Time      `json:"generated_at"`
	TotalEvents    int            `json:"total_events"`
	ByAction       map[string]int `json:"by_action"`
	ByActor        map[string]int `json:"by_actor"`
	PHIAccessCount int            `json:"phi_access_count"`
	SecurityEvents []*Event       `json:"security_events"`
	TamperedIDs    []string       `json:"tampered_ids"`
}

// ReportOptions tunes compliance report generation.
type ReportOptions struct {
	// IncludeSecurityEvents attaches the full security-relevant events to
	// the report instead of only counting them.
	IncludeSecurityEvents bool
}

// securityActions are the actions a compliance report isolates.
var securityActions = map[string]bool{
	ActionLoginFailure:        true,
	ActionUnauthorizedAccess:  true,
	ActionBreachDetected:      true,
	ActionPHIDecryptionFailed: true,
	ActionDataExport:          true,
}

// ComplianceReport scans the period and aggregates counts by action and
// actor, isolates PHI-access and security-relevant events, and reports any
// integrity mismatches found along the way.
func (l *Ledger) ComplianceReport(ctx context.Context, start, end time.Time, opts ReportOptions) (*ComplianceReport, error) {
	records, err := l.Query(ctx, Filters{Start: &start, End: &end})
	if err != nil {
		return nil, fmt.Errorf("compliance report: %w", err)
	}

	report := &ComplianceReport{
		PeriodStart: start,
		PeriodEnd:   end,
		GeneratedAt: time.Now().UTC(),
		TotalEvents: len(records),
		ByAction:    make(map[string]int),
		ByActor:     make(map[string]int),
	}

	for _, r := range records {
		e := r.Event
		report.ByAction[e.Action]++
		report.ByActor[e.ActorID]++
		if e.PHIAccessed {
			report.PHIAccessCount++
		}
		if securityActions[e.Action] && opts.IncludeSecurityEvents {
			report.SecurityEvents = append(report.SecurityEvents, e)
		}
		if !r.IntegrityVerified {
			report.TamperedIDs = append(report.TamperedIDs, e.ID.String())
		}
	}
	return report, nil
}

// Export formats. CSV suits spreadsheet review; JSON preserves the detail
// maps.
const (
	ExportFormatCSV  = "csv"
	ExportFormatJSON = "json"
)

// Export writes matching audit records to w in the requested format. The
// export itself is a disclosure, so it is audited as DATA_EXPORT.
func (l *Ledger) Export(ctx context.Context, f Filters, format string, actorID string, w io.Writer) error {
	records, err := l.Query(ctx, f)
	if err != nil {
		return fmt.Errorf("audit export: %w", err)
	}

	switch format {
	case ExportFormatCSV:
		err = exportCSV(records, w)
	case ExportFormatJSON:
		err = exportJSON(records, w)
	default:
		return fmt.Errorf("audit export: unsupported format %q", format)
	}
	if err != nil {
		return err
	}

	if _, logErr := l.Log(&Event{
		ActorID:      actorID,
		ActorType:    ActorTypeUser,
		Action:       ActionDataExport,
		ResourceType: "audit_log",
		ResourceID:   "export",
		Details:      map[string]any{"format": format, "count": len(records)},
	}); logErr != nil {
		l.logger.Error().Err(logErr).Msg("failed to audit export")
	}
	return nil
}

func exportCSV(records []*Record, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"ID", "Timestamp", "ActorID", "ActorType", "SourceAddr", "SessionID",
		"Action", "ResourceType", "ResourceID", "PHIAccessed", "RetentionUntil", "IntegrityVerified"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}

	for _, r := range records {
		e := r.Event
		row := []string{
			e.ID.String(),
			e.Timestamp.Format(time.RFC3339),
			e.ActorID,
			e.ActorType,
			e.SourceAddr,
			e.SessionID,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			strconv.FormatBool(e.PHIAccessed),
			e.RetentionUntil.Format(time.RFC3339),
			strconv.FormatBool(r.IntegrityVerified),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	return nil
}

func exportJSON(records []*Record, w io.Writer) error {
	if records == nil {
		records = make([]*Record, 0)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}
	return nil
}
