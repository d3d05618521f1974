package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/identity"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/scheduler"
)

// getTestDSN returns the test database DSN from environment
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=compliance password=compliance dbname=compliance_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	}, nil)
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		store.Close()
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_InTxRollsBack(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	key := "Test:" + uuid.NewString()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.UpsertConfigEntry(ctx, &models.ConfigurationEntry{Key: key, Value: "v", UpdatedAt: time.Now()}))
		return store.InTx(ctx, func(ctx context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetConfigEntry(ctx, key)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_ConfigEntries(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	key := "Test:" + uuid.NewString()
	defer store.DeleteConfigEntry(ctx, key)

	require.NoError(t, store.UpsertConfigEntry(ctx, &models.ConfigurationEntry{Key: key, Value: "a", UpdatedAt: time.Now()}))
	require.NoError(t, store.UpsertConfigEntry(ctx, &models.ConfigurationEntry{Key: key, Value: "ENC:b", IsEncrypted: true, UpdatedAt: time.Now()}))

	e, err := store.GetConfigEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "ENC:b", e.Value)
	assert.True(t, e.IsEncrypted)

	require.NoError(t, store.DeleteConfigEntry(ctx, key))
	assert.ErrorIs(t, store.DeleteConfigEntry(ctx, key), models.ErrNotFound)
}

func TestStore_AuditChainAcrossRecorders(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	entity := uuid.NewString()

	// Two recorders stand in for two service instances sharing the database.
	a := audit.NewRecorder(store, store, nil)
	b := audit.NewRecorder(store, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := a
			if i%2 == 1 {
				r = b
			}
			assert.NoError(t, r.Record(ctx, audit.Entry{
				Action:     "ConfigurationUpdated",
				EntityType: "ConfigurationEntry",
				EntityID:   entity,
				Details:    fmt.Sprintf("write %d", i),
				NewValues:  map[string]interface{}{"n": i},
			}))
		}(i)
	}
	wg.Wait()

	page, err := a.Query(ctx, audit.Filter{SearchTerm: entity}, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 20, page.Total)

	v, err := a.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, v.Valid, "chain broken at %d: %s", v.BrokenAt, v.Reason)
}

func TestStore_LatestConsents(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	consentType := "Test" + uuid.NewString()[:8]
	base := time.Now().UTC().Truncate(time.Second).Add(-48 * time.Hour)

	grant := &models.ConsentRecord{UserID: user, ConsentType: consentType, IsGranted: true, ConsentDate: base, Sequence: 1}
	models.Stamp(&grant.Base, base)
	withdrawnAt := base.Add(24 * time.Hour)
	withdraw := &models.ConsentRecord{UserID: user, ConsentType: consentType, ConsentDate: base, WithdrawnDate: &withdrawnAt, Sequence: 2}
	models.Stamp(&withdraw.Base, withdrawnAt)
	require.NoError(t, store.InsertConsent(ctx, grant))
	require.NoError(t, store.InsertConsent(ctx, withdraw))

	latest, err := store.ListLatestConsents(ctx, consentType, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.True(t, latest[0].Active())

	latest, err = store.ListLatestConsents(ctx, consentType, base.Add(36*time.Hour))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.False(t, latest[0].Active())
	assert.Equal(t, int64(2), latest[0].Sequence)

	history, err := store.ListConsents(ctx, user, "")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStore_PolicySingleActive(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	dataType := "Test" + uuid.NewString()[:8]

	first := &models.RetentionPolicy{DataType: dataType, RetentionPeriodDays: 30, IsActive: true, DeletionMethod: models.DeletionSoft}
	require.NoError(t, store.SavePolicy(ctx, first))

	second := &models.RetentionPolicy{DataType: dataType, RetentionPeriodDays: 60, IsActive: true, DeletionMethod: models.DeletionHard}
	assert.ErrorIs(t, store.SavePolicy(ctx, second), models.ErrConflict)

	require.NoError(t, store.InTx(ctx, func(ctx context.Context) error {
		second.ID = uuid.New()
		if err := store.DeactivatePolicies(ctx, dataType, second.ID); err != nil {
			return err
		}
		return store.SavePolicy(ctx, second)
	}))

	active, err := store.GetActivePolicy(ctx, dataType)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestStore_IncidentVersioning(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()

	inc := &models.BreachIncident{
		IncidentID:   "BR-TEST-" + uuid.NewString()[:8],
		BreachType:   "Loss",
		Severity:     models.SeverityLow,
		Description:  "laptop lost",
		DetectedDate: time.Now().UTC(),
		Status:       models.IncidentOpen,
	}
	models.Stamp(&inc.Base, time.Now())
	require.NoError(t, store.CreateIncident(ctx, inc))
	assert.ErrorIs(t, store.CreateIncident(ctx, inc), models.ErrConflict)

	stale, err := store.GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Empty(t, stale.ContainmentActions)

	inc.ContainmentActions = models.StringArray{"device wiped"}
	require.NoError(t, store.UpdateIncident(ctx, inc))
	assert.Equal(t, int64(2), inc.Version)

	stale.RootCause = "overwrite"
	assert.ErrorIs(t, store.UpdateIncident(ctx, stale), models.ErrConflict)

	missing := *inc
	missing.IncidentID = "BR-MISSING-" + uuid.NewString()[:8]
	assert.ErrorIs(t, store.UpdateIncident(ctx, &missing), models.ErrNotFound)

	list, err := store.ListIncidents(ctx, models.IncidentFilter{Statuses: []models.IncidentStatus{models.IncidentOpen}, Limit: 1000})
	require.NoError(t, err)
	found := false
	for _, l := range list {
		if l.IncidentID == inc.IncidentID {
			found = true
			assert.Equal(t, models.StringArray{"device wiped"}, l.ContainmentActions)
		}
	}
	assert.True(t, found)
}

func TestStore_OpenAlertIsUnique(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	related := uuid.NewString()

	a := &models.ComplianceAlert{AlertType: models.AlertJobFailed, Severity: models.SeverityHigh, Title: "t", RelatedEntityID: related}
	models.Stamp(&a.Base, time.Now())
	require.NoError(t, store.InsertAlert(ctx, a))

	dup := *a
	dup.ID = uuid.New()
	assert.ErrorIs(t, store.InsertAlert(ctx, &dup), models.ErrConflict)

	require.NoError(t, store.ResolveAlert(ctx, a.ID, "officer", time.Now()))
	_, err := store.FindOpenAlert(ctx, models.AlertJobFailed, related)
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, store.InsertAlert(ctx, &dup))
}

func TestStore_KeyUsageIsAdditive(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	name := "test-" + uuid.NewString()

	key := &models.EncryptionKey{KeyName: name, KeyType: "AES-256", EncryptedKey: "x", KeyHash: "h", IsActive: true}
	models.Stamp(&key.Base, time.Now())
	require.NoError(t, store.CreateEncryptionKey(ctx, key))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.IncrementKeyUsage(ctx, name, 5, time.Now()))
		}()
	}
	wg.Wait()

	got, err := store.GetEncryptionKey(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.UsageCount)
	assert.NotNil(t, got.LastUsed)

	assert.ErrorIs(t, store.IncrementKeyUsage(ctx, "missing-"+name, 1, time.Now()), models.ErrNotFound)
}

func TestStore_TriathlonRecords(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	rs := store.TriathlonRecords()
	prefix := uuid.NewString()
	old := time.Now().UTC().AddDate(-6, 0, 0)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.PutTriathlonRecord(ctx, identity.Record{
			ID:        prefix + "-" + id,
			UserID:    "athlete-1",
			CreatedAt: old.Add(time.Duration(i) * time.Minute),
			Payload:   map[string]interface{}{"race": "Kona", "split_swim": "1:02:11"},
		}))
	}
	cutoff := old.Add(time.Hour)

	page, err := rs.ListExpired(ctx, cutoff, prefix, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, prefix+"-a", page[0].ID)
	assert.Equal(t, "Kona", page[0].Payload["race"])

	require.NoError(t, rs.Anonymize(ctx, prefix+"-a"))
	require.NoError(t, rs.SoftDelete(ctx, prefix+"-b"))
	require.NoError(t, rs.Delete(ctx, prefix+"-c"))
	assert.ErrorIs(t, rs.Delete(ctx, prefix+"-c"), models.ErrNotFound)

	rest, err := rs.ListExpired(ctx, cutoff, prefix, 10)
	require.NoError(t, err)
	for _, r := range rest {
		assert.NotContains(t, r.ID, prefix)
	}
}

func TestStore_UserDirectory(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	id := "user-" + uuid.NewString()

	require.NoError(t, store.PutUser(ctx, identity.User{
		ID:                   id,
		Email:                "athlete@example.com",
		DisplayName:          "Ath Lete",
		Roles:                []string{"Athlete"},
		NotifyBeforeDisposal: true,
		CreatedAt:            time.Now().UTC(),
	}))

	u, err := store.GetUser(ctx, id)
	require.NoError(t, err)
	assert.True(t, u.HasRole("Athlete"))
	assert.True(t, u.NotifyBeforeDisposal)

	require.NoError(t, store.AnonymizeUser(ctx, id))
	u, err = store.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, identity.AnonymizedValue, u.Email)

	_, err = store.GetUser(ctx, "missing-"+id)
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
	assert.ErrorIs(t, store.AnonymizeUser(ctx, "missing-"+id), identity.ErrUserNotFound)
}

func TestStore_NotificationQueue(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	now := time.Now().UTC()

	n := &models.RetentionNotification{UserID: user, Email: "a@example.com", Subject: "s", Message: "m", ExpirationDate: now}
	models.Stamp(&n.Base, now)
	require.NoError(t, store.EnqueueNotification(ctx, n))

	pending, err := store.HasPendingNotification(ctx, user)
	require.NoError(t, err)
	assert.True(t, pending)

	next := now.Add(time.Hour)
	n.RetryCount = 1
	n.NextRetry = &next
	n.UpdatedAt = now
	require.NoError(t, store.UpdateNotification(ctx, n))

	due, err := store.ListDueNotifications(ctx, now, 1000)
	require.NoError(t, err)
	for _, d := range due {
		assert.NotEqual(t, n.ID, d.ID, "backed-off notification is not due yet")
	}
}

func TestStore_JobClaim(t *testing.T) {
	store := skipIfNoTestDB(t)
	ctx := context.Background()
	jobs := scheduler.NewPostgresStore(store.DB())
	now := time.Now().UTC().Truncate(time.Microsecond)

	job := &models.RetentionJob{Name: "test-" + uuid.NewString(), DataType: "TriathlonData", Schedule: "0 3 * * *", IsEnabled: true, Status: models.JobPending, NextRun: &now}
	models.Stamp(&job.Base, now)
	require.NoError(t, jobs.CreateJob(ctx, job))

	claimed, err := jobs.ClaimJob(ctx, models.JobClaim{ID: job.ID, Version: job.Version, ClaimedBy: "node-a", Now: now, StaleBefore: now.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, claimed.Status)

	_, err = jobs.ClaimJob(ctx, models.JobClaim{ID: job.ID, Version: job.Version, ClaimedBy: "node-b", Now: now, StaleBefore: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, models.ErrConflict)
}
