// Package reports renders the compliance posture as a downloadable PDF, CSV
// or JSON document and optionally ships it to object storage.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/monitor"
)

var ErrUnsupportedFormat = errors.New("unsupported report format")

type ReportFormat string

const (
	FormatCSV  ReportFormat = "csv"
	FormatPDF  ReportFormat = "pdf"
	FormatJSON ReportFormat = "json"
)

// ParseFormat accepts the lower-case format names; empty means PDF.
func ParseFormat(s string) (ReportFormat, error) {
	switch ReportFormat(s) {
	case "":
		return FormatPDF, nil
	case FormatCSV, FormatPDF, FormatJSON:
		return ReportFormat(s), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
}

type ReportRequest struct {
	Format      ReportFormat
	Title       string
	GeneratedBy string
	// Since limits incidents to those detected at or after it.
	Since *time.Time
}

type Report struct {
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	GeneratedBy string
	Data        []byte
	Filename    string
	MimeType    string
}

type MetricsSource interface {
	Metrics(ctx context.Context, now time.Time) (*monitor.GdprComplianceMetrics, error)
	Alerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.ComplianceAlert, error)
}

type PolicySource interface {
	ListPolicies(ctx context.Context) ([]*models.RetentionPolicy, error)
}

type JobSource interface {
	ListJobs(ctx context.Context) ([]*models.RetentionJob, error)
}

type IncidentSource interface {
	List(ctx context.Context, filter models.IncidentFilter) ([]*models.BreachIncident, error)
}

type Sources struct {
	Metrics   MetricsSource
	Policies  PolicySource
	Jobs      JobSource
	Incidents IncidentSource
}

// Snapshot is everything a compliance report shows. It is also the JSON
// rendering.
type Snapshot struct {
	Title       string                         `json:"title"`
	GeneratedAt time.Time                      `json:"generated_at"`
	GeneratedBy string                         `json:"generated_by,omitempty"`
	Metrics     *monitor.GdprComplianceMetrics `json:"metrics"`
	Policies    []*models.RetentionPolicy      `json:"policies"`
	Jobs        []*models.RetentionJob         `json:"jobs"`
	Incidents   []*models.BreachIncident       `json:"incidents"`
	OpenAlerts  []*models.ComplianceAlert      `json:"open_alerts"`
}

const maxReportAlerts = 200

type Generator struct {
	src Sources
	now func() time.Time
}

func NewGenerator(src Sources) *Generator {
	return &Generator{src: src, now: time.Now}
}

func (g *Generator) Collect(ctx context.Context, req *ReportRequest) (*Snapshot, error) {
	now := g.now().UTC()
	title := req.Title
	if title == "" {
		title = "GDPR Compliance Report"
	}

	m, err := g.src.Metrics.Metrics(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to compute metrics: %w", err)
	}
	alerts, err := g.src.Metrics.Alerts(ctx, true, maxReportAlerts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alerts: %w", err)
	}
	policies, err := g.src.Policies.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch policies: %w", err)
	}
	jobs, err := g.src.Jobs.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}
	incidents, err := g.src.Incidents.List(ctx, models.IncidentFilter{Since: req.Since})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch incidents: %w", err)
	}

	return &Snapshot{
		Title:       title,
		GeneratedAt: now,
		GeneratedBy: req.GeneratedBy,
		Metrics:     m,
		Policies:    policies,
		Jobs:        jobs,
		Incidents:   incidents,
		OpenAlerts:  alerts,
	}, nil
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	switch req.Format {
	case FormatCSV, FormatPDF, FormatJSON:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	snap, err := g.Collect(ctx, req)
	if err != nil {
		return nil, err
	}

	var data []byte
	var mimeType string

	switch req.Format {
	case FormatCSV:
		var buf bytes.Buffer
		err = WriteCSV(&buf, snap)
		data = buf.Bytes()
		mimeType = "text/csv"
	case FormatPDF:
		data, err = snapshotToPDF(snap)
		mimeType = "application/pdf"
	case FormatJSON:
		data, err = json.MarshalIndent(snap, "", "  ")
		mimeType = "application/json"
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		Format:      req.Format,
		Title:       snap.Title,
		GeneratedAt: snap.GeneratedAt,
		GeneratedBy: snap.GeneratedBy,
		Data:        data,
		Filename:    fmt.Sprintf("compliance_%s.%s", snap.GeneratedAt.Format("20060102_150405"), req.Format),
		MimeType:    mimeType,
	}, nil
}

// WriteCSV writes the snapshot as consecutive sections separated by a blank
// row. Each section starts with its own header row.
func WriteCSV(w io.Writer, snap *Snapshot) error {
	cw := csv.NewWriter(w)

	write := func(rows ...[]string) error {
		for _, row := range rows {
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		return nil
	}

	m := snap.Metrics
	if err := write(
		[]string{"Metric", "Value"},
		[]string{"Generated At", snap.GeneratedAt.Format(time.RFC3339)},
		[]string{"Consent Rate", strconv.FormatFloat(m.ConsentRate, 'f', 2, 64)},
		[]string{"Pending Data Requests", strconv.Itoa(m.PendingDataRequests)},
		[]string{"Completed Data Requests", strconv.Itoa(m.CompletedDataRequests)},
		[]string{"Open Breaches", strconv.Itoa(m.OpenBreaches)},
		[]string{"Resolved Breaches", strconv.Itoa(m.ResolvedBreaches)},
		[]string{"Retention Violations", strconv.Itoa(m.RetentionViolations)},
		[]string{"Failed Jobs", strconv.Itoa(m.FailedJobs)},
		[]string{"Failed Notifications", strconv.Itoa(m.FailedNotifications)},
		[]string{"Open Security Events", strconv.Itoa(m.OpenSecurityEvents)},
		[]string{"Open Alerts", strconv.Itoa(m.OpenAlerts)},
		[]string{"Audit Chain Valid", strconv.FormatBool(m.AuditChainValid)},
		nil,
		[]string{"Data Type", "Retention Days", "Deletion Method", "Auto Delete", "Active", "Legal Basis"},
	); err != nil {
		return err
	}

	for _, p := range snap.Policies {
		if err := write([]string{
			p.DataType,
			strconv.Itoa(p.RetentionPeriodDays),
			string(p.DeletionMethod),
			strconv.FormatBool(p.AutoDelete),
			strconv.FormatBool(p.IsActive),
			p.LegalBasis,
		}); err != nil {
			return err
		}
	}

	if err := write(nil, []string{"Job", "Data Type", "Schedule", "Status", "Last Run", "Processed", "Failed"}); err != nil {
		return err
	}
	for _, j := range snap.Jobs {
		if err := write([]string{
			j.Name,
			j.DataType,
			j.Schedule,
			string(j.Status),
			formatTime(j.LastRun),
			strconv.Itoa(j.ProcessedRecords),
			strconv.Itoa(j.FailedRecords),
		}); err != nil {
			return err
		}
	}

	if err := write(nil, []string{"Incident", "Type", "Severity", "Status", "Detected", "Affected Records", "Regulator Notified"}); err != nil {
		return err
	}
	for _, inc := range snap.Incidents {
		if err := write([]string{
			inc.IncidentID,
			inc.BreachType,
			string(inc.Severity),
			string(inc.Status),
			inc.DetectedDate.UTC().Format(time.RFC3339),
			strconv.Itoa(inc.AffectedRecordCount),
			formatTime(inc.RegulatoryNotificationDate),
		}); err != nil {
			return err
		}
	}

	if err := write(nil, []string{"Alert", "Severity", "Title", "Related Entity", "Raised"}); err != nil {
		return err
	}
	for _, a := range snap.OpenAlerts {
		if err := write([]string{
			string(a.AlertType),
			string(a.Severity),
			a.Title,
			a.RelatedEntityID,
			a.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func snapshotToPDF(snap *Snapshot) ([]byte, error) {
	pdf := NewPDFReport(snap.Title, snap.GeneratedAt)
	m := snap.Metrics

	pdf.AddSection("Compliance Overview")
	if snap.GeneratedBy != "" {
		pdf.AddParagraph("Requested by " + snap.GeneratedBy + ".")
	}
	pdf.AddStatusBar("Marketing consent", m.ConsentRate)
	audit := "intact"
	if !m.AuditChainValid {
		audit = "BROKEN"
	}
	pdf.AddSummaryTable(map[string]string{
		"Pending data requests":   strconv.Itoa(m.PendingDataRequests),
		"Completed data requests": strconv.Itoa(m.CompletedDataRequests),
		"Open breaches":           strconv.Itoa(m.OpenBreaches),
		"Resolved breaches":       strconv.Itoa(m.ResolvedBreaches),
		"Failed retention jobs":   strconv.Itoa(m.FailedJobs),
		"Failed notifications":    strconv.Itoa(m.FailedNotifications),
		"Open security events":    strconv.Itoa(m.OpenSecurityEvents),
		"Audit chain":             fmt.Sprintf("%s (%d entries)", audit, m.AuditEntriesVerified),
	})

	pdf.AddSection(fmt.Sprintf("Retention - %d Violations", m.RetentionViolations))
	if len(m.ViolationsByDataType) > 0 {
		pdf.AddChart("Expired records by data type", m.ViolationsByDataType)
	}
	policyRows := make([][]string, 0, len(snap.Policies))
	for _, p := range snap.Policies {
		if !p.IsActive {
			continue
		}
		policyRows = append(policyRows, []string{
			p.DataType,
			fmt.Sprintf("%d days", p.RetentionPeriodDays),
			string(p.DeletionMethod),
			strconv.FormatBool(p.AutoDelete),
		})
	}
	pdf.AddTable([]string{"Data Type", "Retention", "Method", "Auto Delete"}, policyRows)

	jobRows := make([][]string, len(snap.Jobs))
	for i, j := range snap.Jobs {
		jobRows[i] = []string{j.Name, string(j.Status), formatTime(j.LastRun), strconv.Itoa(j.FailedRecords)}
	}
	pdf.AddTable([]string{"Job", "Status", "Last Run", "Failed"}, jobRows)

	if len(snap.Incidents) > 0 {
		pdf.AddSection(fmt.Sprintf("Breach Incidents - %d", len(snap.Incidents)))
		for _, inc := range snap.Incidents {
			pdf.AddSeverityRow(inc.Severity, fmt.Sprintf("%s  %s  %s", inc.IncidentID, inc.Status, inc.Description))
		}
	}

	if len(snap.OpenAlerts) > 0 {
		pdf.AddSection(fmt.Sprintf("Open Alerts - %d", len(snap.OpenAlerts)))
		for _, a := range snap.OpenAlerts {
			pdf.AddSeverityRow(a.Severity, a.Title)
		}
	}

	return pdf.Output()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
