// Package memstore is an in-process implementation of every store interface
// the engine consumes. Transactions are emulated with an undo log, so a
// failed InTx leaves no trace; uncommitted writes are visible to concurrent
// readers.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/models"
)

type txKey struct{}

type txState struct {
	undo []func()
}

type Store struct {
	mu sync.Mutex

	config        map[string]models.ConfigurationEntry
	auditLogs     []models.AuditLog
	consents      []models.ConsentRecord
	policies      map[uuid.UUID]models.RetentionPolicy
	jobs          map[uuid.UUID]models.RetentionJob
	executions    map[uuid.UUID]models.RetentionJobExecution
	archives      []models.DataArchive
	trails        []models.RetentionAuditTrail
	notifications []models.RetentionNotification
	incidents     map[string]models.BreachIncident
	events        []models.SecurityEvent
	attempts      []models.AccessAttempt
	ipRules       map[string]models.IPAccessControl
	indicators    map[string]models.ThreatIntelligence
	keys          map[string]models.EncryptionKey
	alerts        []models.ComplianceAlert
	requests      map[uuid.UUID]models.DataRequest

	failures map[string]error
}

func New() *Store {
	return &Store{
		config:     make(map[string]models.ConfigurationEntry),
		policies:   make(map[uuid.UUID]models.RetentionPolicy),
		jobs:       make(map[uuid.UUID]models.RetentionJob),
		executions: make(map[uuid.UUID]models.RetentionJobExecution),
		incidents:  make(map[string]models.BreachIncident),
		ipRules:    make(map[string]models.IPAccessControl),
		indicators: make(map[string]models.ThreatIntelligence),
		keys:       make(map[string]models.EncryptionKey),
		requests:   make(map[uuid.UUID]models.DataRequest),
		failures:   make(map[string]error),
	}
}

// FailOn makes every later call of the named method return err. A nil err
// clears the failure.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) failure(method string) error {
	return s.failures[method]
}

// InTx runs fn and reverts every write it made when it returns an error.
// Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}
	tx := &txState{}
	err := fn(context.WithValue(ctx, txKey{}, tx))
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
	}
	return err
}

// onRollback registers undo for the transaction in ctx. Callers hold s.mu.
func onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// Configuration

func (s *Store) GetConfigEntry(_ context.Context, key string) (*models.ConfigurationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.config[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &e, nil
}

func (s *Store) UpsertConfigEntry(ctx context.Context, entry *models.ConfigurationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertConfigEntry"); err != nil {
		return err
	}
	prev, existed := s.config[entry.Key]
	e := *entry
	if existed {
		e.CreatedAt = prev.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}
	s.config[entry.Key] = e
	onRollback(ctx, func() {
		if existed {
			s.config[entry.Key] = prev
		} else {
			delete(s.config, entry.Key)
		}
	})
	return nil
}

func (s *Store) SwapConfigEntry(ctx context.Context, prevValue string, entry *models.ConfigurationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.config[entry.Key]
	if !ok || prev.IsEncrypted || prev.Value != prevValue {
		return models.ErrConflict
	}
	e := prev
	e.Value = entry.Value
	e.IsEncrypted = entry.IsEncrypted
	e.UpdatedAt = entry.UpdatedAt
	s.config[entry.Key] = e
	onRollback(ctx, func() { s.config[entry.Key] = prev })
	return nil
}

func (s *Store) ListConfigEntries(_ context.Context) ([]*models.ConfigurationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ConfigurationEntry, 0, len(s.config))
	for _, e := range s.config {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) DeleteConfigEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.config[key]
	if !ok {
		return models.ErrNotFound
	}
	delete(s.config, key)
	onRollback(ctx, func() { s.config[key] = prev })
	return nil
}

// Audit trail

func (s *Store) LastAuditLog(_ context.Context) (*models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.auditLogs) == 0 {
		return nil, models.ErrNotFound
	}
	e := s.auditLogs[len(s.auditLogs)-1]
	return &e, nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AppendAuditLog"); err != nil {
		return err
	}
	entry.Sequence = int64(len(s.auditLogs) + 1)
	s.auditLogs = append(s.auditLogs, *entry)
	n := len(s.auditLogs) - 1
	onRollback(ctx, func() { s.auditLogs = s.auditLogs[:n] })
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, f models.AuditFilter) ([]*models.AuditLog, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	term := strings.ToLower(f.SearchTerm)
	var matched []*models.AuditLog
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		e := s.auditLogs[i]
		switch {
		case f.UserID != "" && e.UserID != f.UserID:
			continue
		case f.Action != "" && e.Action != f.Action:
			continue
		case f.EntityType != "" && e.EntityType != f.EntityType:
			continue
		case f.From != nil && e.Timestamp.Before(*f.From):
			continue
		case f.To != nil && e.Timestamp.After(*f.To):
			continue
		case term != "" && !containsAny(term, e.Action, e.EntityID, e.Details):
			continue
		}
		matched = append(matched, &e)
	}
	return paginate(matched, f.Offset, f.Limit), len(matched), nil
}

func (s *Store) ListAuditChain(_ context.Context, afterSequence int64, limit int) ([]*models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditLog
	for _, e := range s.auditLogs {
		if e.Sequence <= afterSequence {
			continue
		}
		e := e
		out = append(out, &e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// AuditLogs returns a copy of the trail, oldest first.
func (s *Store) AuditLogs() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.auditLogs...)
}

// TamperAuditLog rewrites a stored entry in place, bypassing the chain.
func (s *Store) TamperAuditLog(sequence int64, fn func(*models.AuditLog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.auditLogs {
		if s.auditLogs[i].Sequence == sequence {
			fn(&s.auditLogs[i])
		}
	}
}

// Consent

func (s *Store) InsertConsent(ctx context.Context, rec *models.ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertConsent"); err != nil {
		return err
	}
	s.consents = append(s.consents, *rec)
	n := len(s.consents) - 1
	onRollback(ctx, func() { s.consents = s.consents[:n] })
	return nil
}

func (s *Store) ListConsents(_ context.Context, userID, consentType string) ([]*models.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ConsentRecord
	for _, r := range s.consents {
		if r.UserID != userID || (consentType != "" && r.ConsentType != consentType) {
			continue
		}
		r := r
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) ListLatestConsents(_ context.Context, consentType string, asOf time.Time) ([]*models.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[[2]string]models.ConsentRecord)
	for _, r := range s.consents {
		if consentType != "" && r.ConsentType != consentType {
			continue
		}
		if r.EffectiveDate().After(asOf) {
			continue
		}
		k := [2]string{r.UserID, r.ConsentType}
		if cur, ok := latest[k]; !ok || r.Newer(cur) {
			latest[k] = r
		}
	}
	out := make([]*models.ConsentRecord, 0, len(latest))
	for _, r := range latest {
		r := r
		out = append(out, &r)
	}
	return out, nil
}

// Retention policies

func (s *Store) GetActivePolicy(_ context.Context, dataType string) (*models.RetentionPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.DataType == dataType && p.IsActive {
			return &p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) GetPolicy(_ context.Context, id uuid.UUID) (*models.RetentionPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPolicies(_ context.Context) ([]*models.RetentionPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DataType != out[j].DataType {
			return out[i].DataType < out[j].DataType
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SavePolicy(ctx context.Context, p *models.RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SavePolicy"); err != nil {
		return err
	}
	models.Stamp(&p.Base, time.Now())
	prev, existed := s.policies[p.ID]
	s.policies[p.ID] = *p
	onRollback(ctx, func() {
		if existed {
			s.policies[p.ID] = prev
		} else {
			delete(s.policies, p.ID)
		}
	})
	return nil
}

func (s *Store) DeactivatePolicies(ctx context.Context, dataType string, keep uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.policies {
		if p.DataType != dataType || id == keep || !p.IsActive {
			continue
		}
		prev := p
		p.IsActive = false
		s.policies[id] = p
		onRollback(ctx, func() { s.policies[prev.ID] = prev })
	}
	return nil
}

// Retention output

func (s *Store) InsertArchive(ctx context.Context, a *models.DataArchive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertArchive"); err != nil {
		return err
	}
	s.archives = append(s.archives, *a)
	n := len(s.archives) - 1
	onRollback(ctx, func() { s.archives = s.archives[:n] })
	return nil
}

func (s *Store) Archives() []models.DataArchive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DataArchive(nil), s.archives...)
}

func (s *Store) InsertRetentionAuditTrail(ctx context.Context, t *models.RetentionAuditTrail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertRetentionAuditTrail"); err != nil {
		return err
	}
	s.trails = append(s.trails, *t)
	n := len(s.trails) - 1
	onRollback(ctx, func() { s.trails = s.trails[:n] })
	return nil
}

func (s *Store) CompleteRetentionAuditTrail(_ context.Context, id uuid.UUID, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.trails {
		if s.trails[i].ID == id {
			s.trails[i].Success = success
			s.trails[i].ErrorMessage = errMsg
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *Store) RetentionAuditTrails() []models.RetentionAuditTrail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RetentionAuditTrail(nil), s.trails...)
}

func (s *Store) EnqueueNotification(ctx context.Context, n *models.RetentionNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("EnqueueNotification"); err != nil {
		return err
	}
	s.notifications = append(s.notifications, *n)
	idx := len(s.notifications) - 1
	onRollback(ctx, func() { s.notifications = s.notifications[:idx] })
	return nil
}

func (s *Store) HasPendingNotification(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsSent && !n.Abandoned {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListDueNotifications(_ context.Context, now time.Time, limit int) ([]*models.RetentionNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RetentionNotification
	for _, n := range s.notifications {
		if n.IsSent || n.Abandoned || (n.NextRetry != nil && n.NextRetry.After(now)) {
			continue
		}
		n := n
		out = append(out, &n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpdateNotification(_ context.Context, n *models.RetentionNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == n.ID {
			s.notifications[i] = *n
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *Store) Notifications() []models.RetentionNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RetentionNotification(nil), s.notifications...)
}

// Retention jobs

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &j, nil
}

func (s *Store) GetJobByName(_ context.Context, name string) (*models.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return &j, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) ListJobs(_ context.Context) ([]*models.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RetentionJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		j := j
		out = append(out, &j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (s *Store) ListDueJobs(_ context.Context, now, staleBefore time.Time) ([]*models.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListDueJobs"); err != nil {
		return nil, err
	}
	var out []*models.RetentionJob
	for _, j := range s.jobs {
		if !j.IsEnabled || j.NextRun == nil || j.NextRun.After(now) {
			continue
		}
		if j.Status == models.JobRunning && (j.ClaimedAt == nil || !j.ClaimedAt.Before(staleBefore)) {
			continue
		}
		j := j
		out = append(out, &j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRun.Before(*out[k].NextRun) })
	return out, nil
}

func (s *Store) CreateJob(_ context.Context, job *models.RetentionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return models.ErrConflict
		}
	}
	if job.Version == 0 {
		job.Version = 1
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *Store) UpdateJob(_ context.Context, job *models.RetentionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Version != job.Version {
		return models.ErrConflict
	}
	cur.Name = job.Name
	cur.Description = job.Description
	cur.Schedule = job.Schedule
	cur.IsEnabled = job.IsEnabled
	cur.Status = job.Status
	cur.NextRun = job.NextRun
	cur.UpdatedAt = job.UpdatedAt
	cur.Version++
	s.jobs[job.ID] = cur
	job.Version = cur.Version
	return nil
}

func (s *Store) ClaimJob(_ context.Context, req models.JobClaim) (*models.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[req.ID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if j.Version != req.Version {
		return nil, models.ErrConflict
	}
	if j.Status == models.JobRunning && (j.ClaimedAt == nil || !j.ClaimedAt.Before(req.StaleBefore)) {
		return nil, models.ErrConflict
	}
	claimedAt := req.Now
	j.Status = models.JobRunning
	j.ClaimedBy = req.ClaimedBy
	j.ClaimedAt = &claimedAt
	j.UpdatedAt = req.Now
	j.Version++
	s.jobs[j.ID] = j
	return &j, nil
}

func (s *Store) CompleteJob(_ context.Context, job *models.RetentionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Version != job.Version {
		return models.ErrConflict
	}
	cur.Status = job.Status
	cur.LastRun = job.LastRun
	cur.NextRun = job.NextRun
	cur.ProcessedRecords = job.ProcessedRecords
	cur.FailedRecords = job.FailedRecords
	cur.LastError = job.LastError
	cur.ClaimedBy = ""
	cur.ClaimedAt = nil
	cur.UpdatedAt = time.Now().UTC()
	cur.Version++
	s.jobs[job.ID] = cur
	job.Version = cur.Version
	return nil
}

func (s *Store) CreateExecution(_ context.Context, exec *models.RetentionJobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = *exec
	return nil
}

func (s *Store) UpdateExecution(_ context.Context, exec *models.RetentionJobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return models.ErrNotFound
	}
	s.executions[exec.ID] = *exec
	return nil
}

func (s *Store) ListExecutions(_ context.Context, jobID uuid.UUID, limit int) ([]*models.RetentionJobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RetentionJobExecution
	for _, e := range s.executions {
		if e.JobID == jobID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Encryption keys

func (s *Store) CreateEncryptionKey(_ context.Context, key *models.EncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.KeyName]; ok {
		return models.ErrConflict
	}
	s.keys[key.KeyName] = *key
	return nil
}

func (s *Store) GetEncryptionKey(_ context.Context, name string) (*models.EncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[name]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &k, nil
}

func (s *Store) ListEncryptionKeys(_ context.Context) ([]*models.EncryptionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.EncryptionKey, 0, len(s.keys))
	for _, k := range s.keys {
		k := k
		out = append(out, &k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyName < out[j].KeyName })
	return out, nil
}

func (s *Store) SetEncryptionKeyActive(_ context.Context, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[name]
	if !ok {
		return models.ErrNotFound
	}
	k.IsActive = active
	s.keys[name] = k
	return nil
}

func (s *Store) IncrementKeyUsage(_ context.Context, name string, delta int64, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("IncrementKeyUsage"); err != nil {
		return err
	}
	k, ok := s.keys[name]
	if !ok {
		return models.ErrNotFound
	}
	k.UsageCount += delta
	if k.LastUsed == nil || lastUsed.After(*k.LastUsed) {
		lu := lastUsed
		k.LastUsed = &lu
	}
	s.keys[name] = k
	return nil
}

// Breach incidents

func (s *Store) CreateIncident(ctx context.Context, inc *models.BreachIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.IncidentID]; ok {
		return models.ErrConflict
	}
	s.incidents[inc.IncidentID] = cloneIncident(*inc)
	onRollback(ctx, func() { delete(s.incidents, inc.IncidentID) })
	return nil
}

func (s *Store) GetIncident(_ context.Context, incidentID string) (*models.BreachIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := cloneIncident(inc)
	return &c, nil
}

func (s *Store) UpdateIncident(ctx context.Context, inc *models.BreachIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateIncident"); err != nil {
		return err
	}
	prev, ok := s.incidents[inc.IncidentID]
	if !ok {
		return models.ErrNotFound
	}
	if prev.Version != inc.Version {
		return models.ErrConflict
	}
	inc.Version++
	s.incidents[inc.IncidentID] = cloneIncident(*inc)
	onRollback(ctx, func() {
		s.incidents[prev.IncidentID] = prev
		inc.Version--
	})
	return nil
}

func (s *Store) ListIncidents(_ context.Context, f models.IncidentFilter) ([]*models.BreachIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BreachIncident
	for _, inc := range s.incidents {
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, inc.Status) {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Since != nil && inc.DetectedDate.Before(*f.Since) {
			continue
		}
		c := cloneIncident(inc)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedDate.After(out[j].DetectedDate) })
	return paginate(out, f.Offset, f.Limit), nil
}

func hasStatus(list []models.IncidentStatus, s models.IncidentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneIncident(inc models.BreachIncident) models.BreachIncident {
	inc.AffectedUserIDs = append(models.StringArray{}, inc.AffectedUserIDs...)
	inc.DataCategories = append(models.StringArray{}, inc.DataCategories...)
	inc.ContainmentActions = append(models.StringArray{}, inc.ContainmentActions...)
	return inc
}

// Security telemetry

func (s *Store) InsertSecurityEvent(_ context.Context, e *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *Store) ResolveSecurityEvent(_ context.Context, id uuid.UUID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].IsResolved = true
			s.events[i].ResolvedAt = &at
			s.events[i].ResolvedBy = by
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *Store) ListSecurityEvents(_ context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SecurityEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if f.UnresolvedOnly && e.IsResolved {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, &e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) InsertAccessAttempt(_ context.Context, a *models.AccessAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *Store) CountFailedAttempts(_ context.Context, ipAddress string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.IPAddress == ipAddress && !a.Success && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveIPRule(_ context.Context, rule *models.IPAccessControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.ipRules[rule.IPAddress]; ok {
		rule.ID = prev.ID
		rule.CreatedAt = prev.CreatedAt
	}
	s.ipRules[rule.IPAddress] = *rule
	return nil
}

func (s *Store) ListIPRules(_ context.Context) ([]*models.IPAccessControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.IPAccessControl, 0, len(s.ipRules))
	for _, r := range s.ipRules {
		if !r.IsActive {
			continue
		}
		r := r
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) SaveIndicator(_ context.Context, ti *models.ThreatIntelligence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indicators[ti.Indicator] = *ti
	return nil
}

func (s *Store) GetIndicator(_ context.Context, indicator string) (*models.ThreatIntelligence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, ok := s.indicators[indicator]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &ti, nil
}

// Alerts and data requests

func (s *Store) FindOpenAlert(_ context.Context, alertType models.AlertType, relatedEntityID string) (*models.ComplianceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if !a.IsResolved && a.AlertType == alertType && a.RelatedEntityID == relatedEntityID {
			return &a, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) InsertAlert(_ context.Context, a *models.ComplianceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertAlert"); err != nil {
		return err
	}
	for _, cur := range s.alerts {
		if !cur.IsResolved && cur.AlertType == a.AlertType && cur.RelatedEntityID == a.RelatedEntityID {
			return models.ErrConflict
		}
	}
	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *Store) ResolveAlert(_ context.Context, id uuid.UUID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].IsResolved = true
			s.alerts[i].ResolvedAt = &at
			s.alerts[i].ResolvedBy = by
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *Store) ListAlerts(_ context.Context, unresolvedOnly bool, limit int) ([]*models.ComplianceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ComplianceAlert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if unresolvedOnly && a.IsResolved {
			continue
		}
		out = append(out, &a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountDataRequests(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, r := range s.requests {
		out[string(r.Status)]++
	}
	return out, nil
}

func (s *Store) CountAbandonedNotifications(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.notifications {
		if r.Abandoned {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertDataRequest(ctx context.Context, r *models.DataRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = *r
	onRollback(ctx, func() { delete(s.requests, r.ID) })
	return nil
}

func (s *Store) GetDataRequest(_ context.Context, id uuid.UUID) (*models.DataRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *Store) UpdateDataRequest(ctx context.Context, r *models.DataRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.requests[r.ID]
	if !ok {
		return models.ErrNotFound
	}
	s.requests[r.ID] = *r
	onRollback(ctx, func() { s.requests[r.ID] = prev })
	return nil
}

func (s *Store) ListDataRequests(_ context.Context, userID string) ([]*models.DataRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DataRequest
	for _, r := range s.requests {
		if userID == "" || r.UserID == userID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func containsAny(term string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}
