package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/monitor"
)

type fakeSources struct {
	metrics   *monitor.GdprComplianceMetrics
	alerts    []*models.ComplianceAlert
	policies  []*models.RetentionPolicy
	jobs      []*models.RetentionJob
	incidents []*models.BreachIncident
	err       error
	since     *time.Time
}

func (f *fakeSources) Metrics(context.Context, time.Time) (*monitor.GdprComplianceMetrics, error) {
	return f.metrics, f.err
}

func (f *fakeSources) Alerts(context.Context, bool, int) ([]*models.ComplianceAlert, error) {
	return f.alerts, nil
}

func (f *fakeSources) ListPolicies(context.Context) ([]*models.RetentionPolicy, error) {
	return f.policies, nil
}

func (f *fakeSources) ListJobs(context.Context) ([]*models.RetentionJob, error) {
	return f.jobs, nil
}

func (f *fakeSources) List(_ context.Context, filter models.IncidentFilter) ([]*models.BreachIncident, error) {
	f.since = filter.Since
	return f.incidents, nil
}

var reportTime = time.Date(2026, 4, 13, 9, 30, 0, 0, time.UTC)

func newGenerator() (*Generator, *fakeSources) {
	last := reportTime.Add(-6 * time.Hour)
	src := &fakeSources{
		metrics: &monitor.GdprComplianceMetrics{
			ConsentRate:          62.5,
			OpenBreaches:         1,
			RetentionViolations:  4,
			ViolationsByDataType: map[string]int{"TriathlonData": 4},
			AuditChainValid:      true,
			AuditEntriesVerified: 120,
		},
		alerts: []*models.ComplianceAlert{
			{AlertType: models.AlertRetentionViolation, Severity: models.SeverityHigh, Title: "4 expired TriathlonData records", RelatedEntityID: "TriathlonData"},
		},
		policies: []*models.RetentionPolicy{
			{DataType: "TriathlonData", RetentionPeriodDays: 1825, DeletionMethod: models.DeletionHard, AutoDelete: true, IsActive: true},
			{DataType: "UserProfile", RetentionPeriodDays: 1095, DeletionMethod: models.DeletionAnonymize, IsActive: true},
		},
		jobs: []*models.RetentionJob{
			{Name: "TriathlonData cleanup", DataType: "TriathlonData", Schedule: "0 3 * * *", Status: models.JobSucceeded, LastRun: &last, ProcessedRecords: 10},
		},
		incidents: []*models.BreachIncident{
			{IncidentID: "BR-20260410-0001", BreachType: "UnauthorizedAccess", Severity: models.SeverityCritical, Status: models.IncidentContained, DetectedDate: reportTime.AddDate(0, 0, -3), AffectedRecordCount: 12},
		},
	}
	g := NewGenerator(Sources{Metrics: src, Policies: src, Jobs: src, Incidents: src})
	g.now = func() time.Time { return reportTime }
	return g, src
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ReportFormat
		wantErr bool
	}{
		{"", FormatPDF, false},
		{"pdf", FormatPDF, false},
		{"csv", FormatCSV, false},
		{"json", FormatJSON, false},
		{"xlsx", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerate_CSV(t *testing.T) {
	g, _ := newGenerator()

	r, err := g.Generate(context.Background(), &ReportRequest{Format: FormatCSV, GeneratedBy: "officer-1"})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", r.MimeType)
	assert.Equal(t, "compliance_20260413_093000.csv", r.Filename)
	assert.Equal(t, "GDPR Compliance Report", r.Title)

	cr := csv.NewReader(bytes.NewReader(r.Data))
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	require.NoError(t, err)

	assert.Equal(t, []string{"Metric", "Value"}, rows[0])
	assert.Contains(t, rows, []string{"Consent Rate", "62.50"})
	assert.Contains(t, rows, []string{"Retention Violations", "4"})
	assert.Contains(t, rows, []string{"TriathlonData", "1825", "HardDelete", "true", "true", ""})
	assert.Contains(t, rows, []string{"TriathlonData cleanup", "TriathlonData", "0 3 * * *", "Succeeded", "2026-04-13T03:30:00Z", "10", "0"})
	assert.Contains(t, rows, []string{"BR-20260410-0001", "UnauthorizedAccess", "CRITICAL", "Contained", "2026-04-10T09:30:00Z", "12", ""})
}

func TestGenerate_JSON(t *testing.T) {
	g, src := newGenerator()
	since := reportTime.AddDate(0, -1, 0)

	r, err := g.Generate(context.Background(), &ReportRequest{Format: FormatJSON, Title: "Q2", Since: &since})
	require.NoError(t, err)
	assert.Equal(t, &since, src.since)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(r.Data, &snap))
	assert.Equal(t, "Q2", snap.Title)
	assert.Equal(t, 62.5, snap.Metrics.ConsentRate)
	assert.Len(t, snap.Policies, 2)
	assert.Len(t, snap.OpenAlerts, 1)
}

func TestGenerate_PDF(t *testing.T) {
	g, _ := newGenerator()

	r, err := g.Generate(context.Background(), &ReportRequest{Format: FormatPDF})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", r.MimeType)
	assert.True(t, bytes.HasPrefix(r.Data, []byte("%PDF")))
}

func TestGenerate_Errors(t *testing.T) {
	g, src := newGenerator()

	_, err := g.Generate(context.Background(), &ReportRequest{Format: "xml"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	boom := errors.New("db down")
	src.err = boom
	_, err = g.Generate(context.Background(), &ReportRequest{Format: FormatJSON})
	assert.ErrorIs(t, err, boom)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Store(t *testing.T) {
	client := &fakeS3{}
	sink := NewS3Sink(client, "tritrack-reports", "compliance")

	loc, err := sink.Store(context.Background(), &Report{
		Filename:    "compliance_20260413_093000.pdf",
		MimeType:    "application/pdf",
		GeneratedAt: reportTime,
		Data:        []byte("%PDF-1.3"),
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://tritrack-reports/compliance/2026/04/13/compliance_20260413_093000.pdf", loc)
	assert.Equal(t, "application/pdf", *client.input.ContentType)
	assert.True(t, strings.HasPrefix(string(client.body), "%PDF"))
}
