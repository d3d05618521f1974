package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tritrack/compliance/internal/app"
	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/auth"
	"github.com/tritrack/compliance/internal/reports"
	"github.com/tritrack/compliance/internal/retention"
)

// Configuration commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stored settings",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings without their values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			entries, err := a.Settings.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tENCRYPTED\tUPDATED\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", e.Key, e.IsEncrypted, e.UpdatedAt.Format(time.RFC3339), e.Description)
			}
			return w.Flush()
		})
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a setting's decrypted value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			value, err := a.Settings.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store a setting, encrypting it when sensitive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		sensitive, _ := cmd.Flags().GetBool("sensitive")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Settings.Set(ctx, args[0], args[1], description, sensitive); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s stored\n", args[0])
			return nil
		})
	},
}

var configMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Encrypt sensitive settings still stored in plaintext",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Settings.MigrateSensitive(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d setting(s) encrypted\n", n)
			return nil
		})
	},
}

// Retention job commands
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run retention jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retention jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			jobs, err := a.Scheduler.ListJobs(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDATA TYPE\tSTATUS\tENABLED\tNEXT RUN")
			for _, j := range jobs {
				next := "-"
				if j.NextRun != nil {
					next = j.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", j.ID, j.Name, j.DataType, j.Status, j.IsEnabled, next)
			}
			return w.Flush()
		})
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run JOB_ID",
	Short: "Run a retention job immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Scheduler.RunNow(ctx, id)
			if errors.Is(err, retention.ErrNoEligibleData) {
				fmt.Fprintln(cmd.OutOrStdout(), "No records past their retention period")
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Processed: %d\n", res.Processed)
			fmt.Fprintf(out, "Succeeded: %d\n", res.Succeeded)
			fmt.Fprintf(out, "Failed:    %d\n", res.Failed)
			fmt.Fprintf(out, "Skipped:   %d\n", res.Skipped)
			fmt.Fprintf(out, "Notified:  %d\n", res.Notified)
			for _, e := range res.Errors {
				fmt.Fprintf(out, "  - %s\n", e)
			}
			return err
		})
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue JOB_ID",
	Short: "Make a retention job due on the next scheduler tick",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Scheduler.Requeue(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s requeued\n", id)
			return nil
		})
	},
}

// Audit commands
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			v, err := a.Audit.VerifyChain(ctx)
			if err != nil {
				return err
			}
			if !v.Valid {
				return fmt.Errorf("audit chain broken at entry %d after %d checked: %s", v.BrokenAt, v.Checked, v.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Audit chain intact (%d entries)\n", v.Checked)
			return nil
		})
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print audit entries as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		var f audit.Filter
		f.UserID, _ = cmd.Flags().GetString("user")
		f.Action, _ = cmd.Flags().GetString("action")
		f.EntityType, _ = cmd.Flags().GetString("entity-type")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")
		if since > 0 {
			from := time.Now().UTC().Add(-since)
			f.From = &from
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			entries, err := a.Audit.Export(ctx, f, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		})
	},
}

// Report commands
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate compliance reports",
}

var reportExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Generate a compliance report and write it to disk or S3",
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		title, _ := cmd.Flags().GetString("title")
		outDir, _ := cmd.Flags().GetString("output")
		toS3, _ := cmd.Flags().GetBool("s3")
		since, _ := cmd.Flags().GetDuration("since")

		format, err := reports.ParseFormat(strings.ToLower(formatName))
		if err != nil {
			return err
		}
		req := &reports.ReportRequest{Format: format, Title: title, GeneratedBy: "compliancectl"}
		if since > 0 {
			from := time.Now().UTC().Add(-since)
			req.Since = &from
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Reports.Generate(ctx, req)
			if err != nil {
				return err
			}

			if toS3 {
				if a.Sink == nil {
					return errors.New("aws.report_bucket is not configured")
				}
				location, err := a.Sink.Store(ctx, report)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Report stored at %s\n", location)
				return nil
			}

			path := filepath.Join(outDir, report.Filename)
			if err := os.WriteFile(path, report.Data, 0o600); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Report written to %s (%d bytes)\n", path, len(report.Data))
			return nil
		})
	},
}

// Token commands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue operator API tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token signed with the stored Jwt:Key",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		email, _ := cmd.Flags().GetString("email")
		roleNames, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		roles := make([]auth.Role, 0, len(roleNames))
		for _, r := range roleNames {
			role := auth.Role(r)
			if role != auth.RoleAdmin && role != auth.RoleComplianceOfficer {
				return fmt.Errorf("unknown role %q", r)
			}
			roles = append(roles, role)
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			svc, err := a.Auth(ctx)
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(userID, email, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

func init() {
	configSetCmd.Flags().String("description", "", "Human readable description")
	configSetCmd.Flags().Bool("sensitive", false, "Encrypt the value at rest")
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configMigrateCmd)

	jobsCmd.AddCommand(jobsListCmd, jobsRunCmd, jobsRequeueCmd)

	auditExportCmd.Flags().String("user", "", "Only entries for this user")
	auditExportCmd.Flags().String("action", "", "Only entries with this action")
	auditExportCmd.Flags().String("entity-type", "", "Only entries for this entity type")
	auditExportCmd.Flags().Duration("since", 0, "Only entries newer than this (e.g. 168h)")
	auditExportCmd.Flags().Int("limit", 1000, "Maximum entries to print")
	auditCmd.AddCommand(auditVerifyCmd, auditExportCmd)

	reportExportCmd.Flags().StringP("format", "f", "pdf", "Report format: pdf, csv or json")
	reportExportCmd.Flags().String("title", "", "Report title")
	reportExportCmd.Flags().StringP("output", "o", ".", "Directory to write the report to")
	reportExportCmd.Flags().Bool("s3", false, "Upload to the configured report bucket instead")
	reportExportCmd.Flags().Duration("since", 0, "Only incidents detected within this window")
	reportCmd.AddCommand(reportExportCmd)

	tokenIssueCmd.Flags().String("user", "operator", "Subject user ID")
	tokenIssueCmd.Flags().String("email", "", "Operator email")
	tokenIssueCmd.Flags().StringSlice("role", []string{string(auth.RoleComplianceOfficer)}, "Roles to grant")
	tokenIssueCmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)
}
