// Package seed performs the idempotent bootstrap run by the server at start
// and by `compliancectl seed`. Every step creates what is absent and leaves
// existing state alone.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tritrack/compliance/internal/models"
)

type ConfigStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value, description string, sensitive bool) error
	MigrateSensitive(ctx context.Context) (int, error)
}

type PolicyStore interface {
	EnsurePolicy(ctx context.Context, p *models.RetentionPolicy) (bool, error)
}

type JobStore interface {
	EnsureJob(ctx context.Context, job *models.RetentionJob) (bool, error)
}

// Setting is a configuration entry written only when its key is missing.
type Setting struct {
	Key         string
	Value       string
	Description string
	Sensitive   bool
}

type Options struct {
	Policies []models.RetentionPolicy
	Jobs     []models.RetentionJob
	Settings []Setting
}

// Summary counts what a run created.
type Summary struct {
	Policies          int `json:"policies"`
	Jobs              int `json:"jobs"`
	Settings          int `json:"settings"`
	EncryptedSettings int `json:"encrypted_settings"`
}

func DefaultPolicies() []models.RetentionPolicy {
	return []models.RetentionPolicy{
		{
			DataType:            "TriathlonData",
			RetentionPeriodDays: 1825,
			LegalBasis:          "Legitimate interest (race results history)",
			Description:         "Race results and training logs are kept for five years",
			AutoDelete:          true,
			DeletionMethod:      models.DeletionHard,
		},
		{
			DataType:            "UserProfile",
			RetentionPeriodDays: 1095,
			LegalBasis:          "Contract",
			Description:         "Inactive athlete profiles are anonymized after three years",
			AutoDelete:          true,
			DeletionMethod:      models.DeletionAnonymize,
		},
	}
}

func DefaultJobs() []models.RetentionJob {
	return []models.RetentionJob{
		{
			Name:        "TriathlonData retention",
			Description: "Archive and delete expired race results",
			DataType:    "TriathlonData",
			Schedule:    "0 3 * * *",
			IsEnabled:   true,
		},
		{
			Name:        "UserProfile retention",
			Description: "Anonymize expired athlete profiles",
			DataType:    "UserProfile",
			Schedule:    "30 3 * * 0",
			IsEnabled:   true,
		},
	}
}

func DefaultOptions() Options {
	return Options{Policies: DefaultPolicies(), Jobs: DefaultJobs()}
}

type Seeder struct {
	config   ConfigStore
	policies PolicyStore
	jobs     JobStore
	logger   *slog.Logger
}

func New(config ConfigStore, policies PolicyStore, jobs JobStore, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{config: config, policies: policies, jobs: jobs, logger: logger}
}

// Run seeds policies before jobs so a job never references a data type
// without an active policy. Plaintext sensitive settings left by older
// deployments are encrypted last.
func (s *Seeder) Run(ctx context.Context, opts Options) (*Summary, error) {
	sum := &Summary{}

	for i := range opts.Policies {
		p := opts.Policies[i]
		created, err := s.policies.EnsurePolicy(ctx, &p)
		if err != nil {
			return sum, fmt.Errorf("seeding policy %s: %w", p.DataType, err)
		}
		if created {
			sum.Policies++
			s.logger.Info("seeded retention policy", "data_type", p.DataType, "retention_days", p.RetentionPeriodDays)
		}
	}

	for i := range opts.Jobs {
		job := opts.Jobs[i]
		created, err := s.jobs.EnsureJob(ctx, &job)
		if err != nil {
			return sum, fmt.Errorf("seeding job %s: %w", job.Name, err)
		}
		if created {
			sum.Jobs++
			s.logger.Info("seeded retention job", "job_name", job.Name, "schedule", job.Schedule)
		}
	}

	for _, st := range opts.Settings {
		if st.Value == "" {
			continue
		}
		exists, err := s.config.Exists(ctx, st.Key)
		if err != nil {
			return sum, fmt.Errorf("checking setting %s: %w", st.Key, err)
		}
		if exists {
			continue
		}
		if err := s.config.Set(ctx, st.Key, st.Value, st.Description, st.Sensitive); err != nil {
			return sum, fmt.Errorf("seeding setting %s: %w", st.Key, err)
		}
		sum.Settings++
		s.logger.Info("seeded configuration entry", "key", st.Key)
	}

	n, err := s.config.MigrateSensitive(ctx)
	if err != nil {
		return sum, fmt.Errorf("encrypting sensitive settings: %w", err)
	}
	sum.EncryptedSettings = n
	return sum, nil
}
