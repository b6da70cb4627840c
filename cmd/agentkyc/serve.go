package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentkyc/internal/app"
	"agentkyc/internal/server"
	"agentkyc/internal/worker"
	agentkycsdk "agentkyc/sdk/go"
)

func serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(rt.ServerConfig())
				if err != nil {
					return err
				}
				addr := rt.Config.Server.Addr
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Log.Info("serving AgentKYC API",
						zap.String("addr", addr),
						zap.String("base_path", rt.Config.Server.BasePath),
						zap.Bool("rate_limited", rt.Redis != nil),
					)
					fmt.Printf("Serving AgentKYC API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
						addr, rt.Config.Server.BasePath, rt.Config.Server.BasePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if withWorker {
					p := newProcessor(rt, "")
					g.Go(func() error {
						if err := p.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
							return err
						}
						return nil
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run a job worker in the same process")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func newProcessor(rt *app.Runtime, workerID string) *worker.Processor {
	p := worker.NewProcessor(rt.Engine.Queue(), worker.Options{
		WorkerID:     workerID,
		PollInterval: rt.Config.Automation.PollInterval,
		LeaseTimeout: rt.Config.Automation.JobLeaseTimeout,
		Log:          rt.Log,
	})
	worker.RegisterEngineHandlers(p, rt.Engine)
	return p
}

func workerCmd() *cobra.Command {
	var workerID string
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				p := newProcessor(rt, workerID)
				if once {
					worked, err := p.RunOnce(ctx)
					if err != nil {
						return err
					}
					if !worked {
						fmt.Println("No due jobs")
					}
					return nil
				}
				if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (default host-pid)")
	cmd.Flags().BoolVar(&once, "once", false, "process at most one job and exit")
	return cmd
}

func cronCmd() *cobra.Command {
	c := &cobra.Command{Use: "cron", Short: "Scheduled triggers"}
	c.AddCommand(cronTickCmd())
	return c
}

func cronTickCmd() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Enqueue the auto-review pass and due reminders",
		Long:  "Runs against the local database, or against a running server when --url is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url != "" {
				client := agentkycsdk.New(url)
				client.AutomationToken = token
				res, err := client.CronTick(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ScheduleTick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("auto-review job: %s\nreminders enqueued: %d\nstale jobs released: %d\n",
					res.AutoReviewJobID, res.Reminders, res.Requeued)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "API base URL of a running server, e.g. http://localhost:8080/v1")
	cmd.Flags().StringVar(&token, "token", os.Getenv("AGENTKYC_AUTH_AUTOMATION_TOKEN"), "automation token for --url")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Auto-review"}
	r.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one auto-review pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pass, err := rt.Engine.RunAutoReviewPass(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pass)
				}
				if pass.Skipped {
					fmt.Printf("Skipped: %s\n", pass.SkipReason)
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Application", "Action", "Score", "Handle", "Reason"})
				for _, res := range pass.Results {
					tw.AppendRow(table.Row{res.ApplicationID, res.Action, fmt.Sprintf("%.2f", res.Score), res.Handle, res.Reason})
				}
				tw.Render()
				fmt.Printf("Processed %d, remaining budget %d\n", pass.Processed, pass.Remaining)
				return nil
			})
		},
	})
	return r
}
