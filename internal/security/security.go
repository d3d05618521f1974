// Package security records security telemetry: events, access attempts,
// IP access rules and threat indicators.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/identity"
	"github.com/tritrack/compliance/internal/models"
)

const (
	EventBruteForce      = "brute_force_suspected"
	EventThreatIndicator = "threat_indicator_match"
)

var (
	ErrInvalidAddress   = errors.New("invalid ip address or cidr")
	ErrEventNotFound    = errors.New("security event not found")
	ErrInvalidEvent     = errors.New("invalid security event")
	ErrInvalidIndicator = errors.New("invalid threat indicator")
)

type Store interface {
	InsertSecurityEvent(ctx context.Context, e *models.SecurityEvent) error
	ResolveSecurityEvent(ctx context.Context, id uuid.UUID, by string, at time.Time) error
	ListSecurityEvents(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
	InsertAccessAttempt(ctx context.Context, a *models.AccessAttempt) error
	CountFailedAttempts(ctx context.Context, ipAddress string, since time.Time) (int, error)
	// SaveIPRule upserts by IPAddress.
	SaveIPRule(ctx context.Context, rule *models.IPAccessControl) error
	ListIPRules(ctx context.Context) ([]*models.IPAccessControl, error)
	// SaveIndicator upserts by Indicator.
	SaveIndicator(ctx context.Context, ti *models.ThreatIntelligence) error
	GetIndicator(ctx context.Context, indicator string) (*models.ThreatIntelligence, error)
}

type AlertSink interface {
	Raise(ctx context.Context, alert models.ComplianceAlert) (*models.ComplianceAlert, error)
}

type Config struct {
	LockoutThreshold int
	LockoutWindow    time.Duration
}

type Service struct {
	store  Store
	alerts AlertSink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, alerts AlertSink, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = 15 * time.Minute
	}
	return &Service{
		store:  store,
		alerts: alerts,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// RecordEvent stores e. Critical events are escalated as compliance alerts.
func (s *Service) RecordEvent(ctx context.Context, e *models.SecurityEvent) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	if !e.Severity.Valid() {
		e.Severity = models.SeverityMedium
	}
	if e.Details == nil {
		e.Details = models.Metadata{}
	}
	models.Stamp(&e.Base, s.now())

	if err := s.store.InsertSecurityEvent(ctx, e); err != nil {
		return fmt.Errorf("recording security event: %w", err)
	}

	s.logger.Warn("security event recorded",
		"event_type", e.EventType,
		"severity", e.Severity,
		"ip_address", e.IPAddress,
		"user_id", e.UserID)

	if e.Severity == models.SeverityCritical && s.alerts != nil {
		if _, err := s.alerts.Raise(ctx, models.ComplianceAlert{
			AlertType:         models.AlertSecurityEventEscalated,
			Severity:          e.Severity,
			Title:             fmt.Sprintf("Critical security event: %s", e.EventType),
			Message:           e.Description,
			RelatedEntityType: "SecurityEvent",
			RelatedEntityID:   e.ID.String(),
		}); err != nil {
			s.logger.Error("failed to escalate security event", "event_id", e.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) ResolveEvent(ctx context.Context, id uuid.UUID, by string) error {
	if err := s.store.ResolveSecurityEvent(ctx, id, by, s.now().UTC()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return fmt.Errorf("resolving security event: %w", err)
	}
	return nil
}

func (s *Service) ListEvents(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return s.store.ListSecurityEvents(ctx, filter)
}

// RecordAccessAttempt stores a login attempt. The failure that reaches
// LockoutThreshold within LockoutWindow raises a brute-force event.
func (s *Service) RecordAccessAttempt(ctx context.Context, a *models.AccessAttempt) error {
	now := s.now().UTC()
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = now
	}
	models.Stamp(&a.Base, now)

	if err := s.store.InsertAccessAttempt(ctx, a); err != nil {
		return fmt.Errorf("recording access attempt: %w", err)
	}
	if a.Success || a.IPAddress == "" {
		return nil
	}

	failed, err := s.RecentFailedAttempts(ctx, a.IPAddress, s.cfg.LockoutWindow)
	if err != nil {
		return err
	}
	if failed != s.cfg.LockoutThreshold {
		return nil
	}

	return s.RecordEvent(ctx, &models.SecurityEvent{
		EventType:   EventBruteForce,
		Severity:    models.SeverityHigh,
		UserID:      a.UserID,
		IPAddress:   a.IPAddress,
		UserAgent:   a.UserAgent,
		Description: fmt.Sprintf("%d failed sign-in attempts from %s within %s", failed, a.IPAddress, s.cfg.LockoutWindow),
		Details: models.Metadata{
			"email":          a.Email,
			"failed_count":   fmt.Sprint(failed),
			"window":         s.cfg.LockoutWindow.String(),
			"failure_reason": a.FailureReason,
		},
	})
}

func (s *Service) RecentFailedAttempts(ctx context.Context, ipAddress string, window time.Duration) (int, error) {
	n, err := s.store.CountFailedAttempts(ctx, ipAddress, s.now().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("counting failed attempts: %w", err)
	}
	return n, nil
}

// BlockIP blocks an address or CIDR range. A zero ttl never expires.
func (s *Service) BlockIP(ctx context.Context, ipOrCIDR, reason string, ttl time.Duration) (*models.IPAccessControl, error) {
	return s.saveRule(ctx, ipOrCIDR, models.IPBlock, reason, ttl)
}

// AllowIP adds an allow rule, which wins over any block rule matching the
// same address.
func (s *Service) AllowIP(ctx context.Context, ipOrCIDR, reason string, ttl time.Duration) (*models.IPAccessControl, error) {
	return s.saveRule(ctx, ipOrCIDR, models.IPAllow, reason, ttl)
}

func (s *Service) saveRule(ctx context.Context, ipOrCIDR string, action models.IPAction, reason string, ttl time.Duration) (*models.IPAccessControl, error) {
	normalized, err := normalizeAddress(ipOrCIDR)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rule := &models.IPAccessControl{
		IPAddress: normalized,
		Action:    action,
		Reason:    reason,
		IsActive:  true,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rule.ExpiresAt = &exp
	}
	models.Stamp(&rule.Base, now)

	if err := s.store.SaveIPRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("saving ip rule: %w", err)
	}
	s.logger.Info("ip rule saved", "ip_address", normalized, "action", action, "expires_at", rule.ExpiresAt)
	return rule, nil
}

// IsBlocked reports whether ip is covered by an active, unexpired block
// rule and no allow rule.
func (s *Service) IsBlocked(ctx context.Context, ip string, now time.Time) (bool, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrInvalidAddress, ip)
	}
	rules, err := s.store.ListIPRules(ctx)
	if err != nil {
		return false, fmt.Errorf("listing ip rules: %w", err)
	}

	blocked := false
	for _, r := range rules {
		if !r.IsActive || (r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)) {
			continue
		}
		if !ruleMatches(r.IPAddress, addr) {
			continue
		}
		if r.Action == models.IPAllow {
			return false, nil
		}
		blocked = true
	}
	return blocked, nil
}

func ruleMatches(rule string, addr netip.Addr) bool {
	if strings.Contains(rule, "/") {
		p, err := netip.ParsePrefix(rule)
		return err == nil && p.Contains(addr)
	}
	a, err := netip.ParseAddr(rule)
	return err == nil && a.Unmap() == addr.Unmap()
}

func normalizeAddress(v string) (string, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidAddress, v)
		}
		return p.Masked().String(), nil
	}
	a, err := netip.ParseAddr(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, v)
	}
	return a.Unmap().String(), nil
}

// AddIndicator records or refreshes a threat indicator.
func (s *Service) AddIndicator(ctx context.Context, ti *models.ThreatIntelligence) error {
	ti.Indicator = strings.ToLower(strings.TrimSpace(ti.Indicator))
	if ti.Indicator == "" {
		return fmt.Errorf("%w: indicator is required", ErrInvalidIndicator)
	}
	now := s.now().UTC()
	if existing, err := s.store.GetIndicator(ctx, ti.Indicator); err == nil {
		ti.ID = existing.ID
		ti.CreatedAt = existing.CreatedAt
		ti.FirstSeen = existing.FirstSeen
	} else if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("looking up indicator: %w", err)
	}
	if ti.FirstSeen.IsZero() {
		ti.FirstSeen = now
	}
	ti.LastSeen = now
	ti.IsActive = true
	models.Stamp(&ti.Base, now)

	if err := s.store.SaveIndicator(ctx, ti); err != nil {
		return fmt.Errorf("saving indicator: %w", err)
	}
	return nil
}

// MatchIndicator returns the active indicator equal to value, or nil.
func (s *Service) MatchIndicator(ctx context.Context, value string) (*models.ThreatIntelligence, error) {
	ti, err := s.store.GetIndicator(ctx, strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("matching indicator: %w", err)
	}
	if !ti.IsActive {
		return nil, nil
	}
	return ti, nil
}

// Decision is the outcome of EvaluateLogin.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// EvaluateLogin combines the IP rules, threat indicators and the identity
// provider's lockout state for a sign-in from ip.
func (s *Service) EvaluateLogin(ctx context.Context, ip string, creds identity.Credentials) (Decision, error) {
	now := s.now().UTC()

	blocked, err := s.IsBlocked(ctx, ip, now)
	if err != nil {
		return Decision{}, err
	}
	if blocked {
		return Decision{Reason: "ip address is blocked"}, nil
	}

	ti, err := s.MatchIndicator(ctx, ip)
	if err != nil {
		return Decision{}, err
	}
	if ti != nil {
		return Decision{Reason: fmt.Sprintf("ip address matches %s threat indicator", ti.ThreatType)}, nil
	}

	if identity.LockedOut(creds, now) {
		return Decision{Reason: "account is locked out"}, nil
	}
	return Decision{Allowed: true}, nil
}
