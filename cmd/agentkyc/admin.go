package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentkyc/internal/app"
	"agentkyc/internal/domain"
	"agentkyc/internal/engine"
	"agentkyc/internal/repo"
	"agentkyc/internal/server"
)

func appCmd() *cobra.Command {
	a := &cobra.Command{Use: "app", Short: "Review applications"}
	a.AddCommand(appListCmd())
	a.AddCommand(appShowCmd())
	a.AddCommand(appApproveCmd())
	a.AddCommand(appRejectCmd())
	a.AddCommand(appSendTestCmd())
	return a
}

func appListCmd() *cobra.Command {
	var f repo.ApplicationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Status != "" {
				if _, err := domain.ParseStatus(f.Status); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				apps, err := rt.Engine.Repo.ListApplications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(apps)
				}
				printApplications(apps)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func appShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an application and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Repo.GetApplication(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := rt.Engine.Repo.ListAuditEntries(ctx, repo.AuditFilters{ApplicationID: a.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"application": a, "audit": entries})
				}
				fmt.Printf("Application %s\n", a.ID)
				fmt.Printf("  agent:    %s (%s)\n", a.AgentName, a.AgentPlatform)
				fmt.Printf("  owner:    %s <%s>\n", a.OwnerName, a.OwnerEmail)
				fmt.Printf("  status:   %s\n", a.Status)
				fmt.Printf("  handle:   %s\n", deref(a.Handle))
				fmt.Printf("  flagged:  %t\n", a.RequiresHumanOverride)
				if a.AutoReviewScore != nil {
					fmt.Printf("  score:    %.2f\n", *a.AutoReviewScore)
				}
				next := make([]string, 0)
				for _, s := range engine.AllowedFrom(a.Status) {
					next = append(next, string(s))
				}
				fmt.Printf("  next:     %s\n", strings.Join(next, ", "))
				printAudit(entries)
				return nil
			})
		},
	}
}

func appApproveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Verify an application under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Approve(ctx, args[0], viper.GetString("actor"), reason)
				if err != nil {
					return err
				}
				return printDecision(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "approval note")
	return cmd
}

func appRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Reject(ctx, args[0], viper.GetString("actor"), reason)
				if err != nil {
					return err
				}
				return printDecision(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func appSendTestCmd() *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "send-test <id>",
		Short: "Mail a behavioral test task to the owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.SendTest(ctx, args[0], viper.GetString("actor"), task)
				if err != nil {
					return err
				}
				return printDecision(a)
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task text (default built-in task)")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit log"}
	var f repo.AuditFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Engine.Repo.ListAuditEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				printAudit(entries)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	tail.Flags().StringVar(&f.ApplicationID, "application", "", "application id filter")
	a.AddCommand(tail)
	return a
}

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Job queue"}

	var f repo.JobFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Queue().List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempts", "Scheduled", "Locked By", "Last Error"})
				for _, job := range items {
					tw.AppendRow(table.Row{
						job.ID, job.Type, job.Status,
						fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
						job.ScheduledFor, deref(job.LockedBy), deref(job.LastError),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Type, "type", "", "job type filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")

	var payload string
	var delay time.Duration
	enqueue := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var at *time.Time
				if delay > 0 {
					t := time.Now().Add(delay)
					at = &t
				}
				id, err := rt.Engine.Queue().Enqueue(ctx, args[0], body, at)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	enqueue.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	enqueue.Flags().DurationVar(&delay, "in", 0, "delay before the job is due")

	j.AddCommand(list, enqueue)
	return j
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Application counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stats, err := rt.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, stats.Counts[string(s)]})
				}
				tw.AppendFooter(table.Row{"total", stats.Total})
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var subject string
	var roles []string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 bearer token with the configured jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				if r != server.RoleAdmin && r != server.RoleAutomation {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				token, err := server.MintToken(rt.Config.Auth.JWTSecret, subject, roles, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	mint.Flags().StringVar(&subject, "subject", "", "token subject, recorded as the audit actor")
	mint.Flags().StringSliceVar(&roles, "role", []string{server.RoleAdmin}, "role (admin, automation); repeatable")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	_ = mint.MarkFlagRequired("subject")
	t.AddCommand(mint)
	return t
}

func printApplications(apps []domain.Application) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Agent", "Owner", "Status", "Handle", "Flagged", "Created"})
	for _, a := range apps {
		tw.AppendRow(table.Row{a.ID, a.AgentName, a.OwnerEmail, a.Status, deref(a.Handle), a.RequiresHumanOverride, a.CreatedAt})
	}
	tw.Render()
}

func printAudit(entries []domain.AuditEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"When", "Actor", "Action", "From", "To", "Reason"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.CreatedAt, e.Actor, e.Action, deref(e.BeforeState), deref(e.AfterState), deref(e.Reason)})
	}
	tw.Render()
}

func printDecision(a domain.Application) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	fmt.Printf("%s: %s", a.ID, a.Status)
	if a.Handle != nil {
		fmt.Printf(" (@%s)", *a.Handle)
	}
	fmt.Println()
	return nil
}
