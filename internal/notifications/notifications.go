package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/tritrack/compliance/internal/models"
)

var ErrDeliveryFailed = errors.New("notification delivery failed")

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyComplianceAlert NotificationType = "compliance_alert"
	NotifyBreachReported  NotificationType = "breach_reported"
	NotifyRetentionNotice NotificationType = "retention_notice"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity
}

// EmailConfig holds email configuration. To lists the operators who receive
// alerts; data subjects are addressed individually.
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

// Mailer delivers a prepared RFC 5322 message.
type Mailer interface {
	SendMail(from string, to []string, msg []byte) error
}

type smtpMailer struct {
	addr string
	auth smtp.Auth
}

func (m smtpMailer) SendMail(from string, to []string, msg []byte) error {
	return smtp.SendMail(m.addr, m.auth, from, to, msg)
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
	mailer Mailer
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	var auth smtp.Auth
	if config.Email.Username != "" {
		auth = smtp.PlainAuth("", config.Email.Username, config.Email.Password, config.Email.SMTPHost)
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		mailer: smtpMailer{
			addr: fmt.Sprintf("%s:%d", config.Email.SMTPHost, config.Email.SMTPPort),
			auth: auth,
		},
	}
}

// WithMailer replaces the SMTP transport.
func (s *Service) WithMailer(m Mailer) *Service {
	s.mailer = m
	return s
}

// Send sends a notification to all enabled operator channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && len(s.config.Email.To) > 0 && shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(notif, s.config.Email.To); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, errors.Join(errs...))
	}

	return nil
}

// shouldNotify checks if notification should be sent based on severity
func shouldNotify(actual, minimum models.Severity) bool {
	return actual.Rank() >= minimum.Rank()
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	keys := make([]string, 0, len(notif.Data))
	for k := range notif.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]SlackField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, SlackField{
			Title: fieldTitle(k),
			Value: fmt.Sprint(notif.Data[k]),
			Short: true,
		})
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "TriTrack Compliance",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

func fieldTitle(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(notif *Notification, to []string) error {
	subject := fmt.Sprintf("[Compliance] %s", notif.Title)
	body, err := formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body, to)
	if err := s.mailer.SendMail(s.config.Email.From, to, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(to))

	return nil
}

func (s *Service) buildEmailMessage(subject, body string, to []string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .footer { padding: 15px 20px; background: #f9f9f9; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h2 style="margin:0;">{{.Title}}</h2></div>
        <div class="content">
            <p>{{.Message}}</p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr><td>{{$key}}</td><td>{{$value}}</td></tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>{{.Footer}}</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`))

func formatEmailBody(notif *Notification) (string, error) {
	headerColor := "#2196F3"
	switch notif.Severity {
	case models.SeverityCritical:
		headerColor = "#F44336"
	case models.SeverityHigh:
		headerColor = "#FF9800"
	case models.SeverityMedium:
		headerColor = "#FFC107"
	}

	footer := "This is an automated alert from the TriTrack compliance engine."
	if notif.Type == NotifyRetentionNotice {
		footer = "You receive this message because you asked to be told before your data is disposed of."
	}

	data := map[string]interface{}{
		"Title":       notif.Title,
		"Message":     notif.Message,
		"HeaderColor": headerColor,
		"Data":        notif.Data,
		"HasData":     len(notif.Data) > 0,
		"Footer":      footer,
		"Timestamp":   notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// NotifyAlert forwards a newly raised compliance alert to operators.
func (s *Service) NotifyAlert(ctx context.Context, alert *models.ComplianceAlert) error {
	data := map[string]interface{}{
		"alert_type": string(alert.AlertType),
		"severity":   string(alert.Severity),
	}
	if alert.RelatedEntityID != "" {
		data["related_entity"] = fmt.Sprintf("%s %s", alert.RelatedEntityType, alert.RelatedEntityID)
	}
	return s.Send(ctx, &Notification{
		Type:      NotifyComplianceAlert,
		Title:     alert.Title,
		Message:   alert.Message,
		Severity:  alert.Severity,
		Data:      data,
		Timestamp: alert.CreatedAt,
	})
}

// NotifyBreachReported tells operators about a new breach incident.
func (s *Service) NotifyBreachReported(ctx context.Context, inc *models.BreachIncident) error {
	return s.Send(ctx, &Notification{
		Type:     NotifyBreachReported,
		Title:    fmt.Sprintf("Breach %s reported", inc.IncidentID),
		Message:  inc.Description,
		Severity: inc.Severity,
		Data: map[string]interface{}{
			"incident_id":           inc.IncidentID,
			"breach_type":           inc.BreachType,
			"affected_users":        len(inc.AffectedUserIDs),
			"affected_records":      inc.AffectedRecordCount,
			"regulator_notice_due":  inc.DetectedDate.Add(72 * time.Hour).Format(time.RFC3339),
			"requires_user_notices": inc.RequiresUserNotification,
		},
		Timestamp: inc.CreatedAt,
	})
}

// SendRetentionNotice emails a data subject. It is the delivery function
// used by the Dispatcher.
func (s *Service) SendRetentionNotice(_ context.Context, n *models.RetentionNotification) error {
	if !s.config.Email.Enabled {
		return fmt.Errorf("%w: email channel disabled", ErrDeliveryFailed)
	}
	if n.Email == "" {
		return fmt.Errorf("%w: no recipient address", ErrDeliveryFailed)
	}
	notif := &Notification{
		Type:     NotifyRetentionNotice,
		Title:    n.Subject,
		Message:  n.Message,
		Severity: models.SeverityLow,
		Data: map[string]interface{}{
			"retention_cutoff": n.ExpirationDate.Format("2006-01-02"),
		},
		Timestamp: time.Now(),
	}
	if err := s.sendEmail(notif, []string{n.Email}); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}
