package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/agent"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/audit"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/booking"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/bus"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/checkpoint"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/config"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/conversation"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/lock"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/mail"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/notify"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/provider"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/resilience"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/sweep"
)

var (
	agentBody           string
	agentSubject        string
	agentFrom           string
	agentRole           string
	agentConversationID string
	agentTherapistID    string
	agentClientID       string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the scheduling agent service",
	Long: "Runs the mail-consuming agent loop together with the sweep runner.\n" +
		"With --body the agent processes a single inbound email and exits,\n" +
		"which is useful for local testing without a mail frontend.",
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentBody, "body", "", "Process a single inbound email body and exit")
	agentCmd.Flags().StringVar(&agentSubject, "subject", "Booking request", "Subject for --body mode")
	agentCmd.Flags().StringVar(&agentFrom, "from", "client@example.com", "Sender address for --body mode")
	agentCmd.Flags().StringVar(&agentRole, "role", bus.RoleClient, "Sender role for --body mode (client|therapist)")
	agentCmd.Flags().StringVarP(&agentConversationID, "conversation", "s", "cli:default", "Conversation ID for --body mode")
	agentCmd.Flags().StringVar(&agentTherapistID, "therapist", "", "Therapist ID for --body mode")
	agentCmd.Flags().StringVar(&agentClientID, "client", "", "Client ID for --body mode")
}

func runAgent(cmd *cobra.Command, args []string) error {
	printHeader("📬 SchedAgent")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config warning: %v (using defaults)\n", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if cfg.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("no API key configured (set OPENAI_API_KEY or run 'schedagent status')")
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	controller, err := booking.NewController(db, cfg.Booking.Config, logger)
	if err != nil {
		return fmt.Errorf("booking controller: %w", err)
	}
	directory := booking.NewDirectory(db)
	checks, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	publisher := audit.NewPublisher(cfg.Kafka, logger)
	if publisher != nil {
		defer publisher.Close()
	}
	auditSvc, err := audit.NewService(db, publisher)
	if err != nil {
		return fmt.Errorf("audit service: %w", err)
	}
	convs, err := conversation.NewManager(cfg.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("conversation manager: %w", err)
	}

	var notifier notify.Notifier = &notify.LogNotifier{Logger: logger}
	if slackNotifier := notify.NewSlackNotifier(cfg.Slack); slackNotifier != nil {
		notifier = slackNotifier
		fmt.Println("Slack notifications: enabled")
	}

	var lockStore lock.Store
	if cfg.Redis.URL != "" {
		redisStore, err := lock.NewRedisStore(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis lock store: %w", err)
		}
		defer redisStore.Close()
		lockStore = redisStore
		fmt.Println("Distributed sweep locks: enabled")
	}

	registry := resilience.NewRegistry(cfg.Resilience.Breaker)
	caller := resilience.NewCaller(cfg.Resilience.Retry, registry.Get("llm"))
	prov := provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name)

	mailBus := bus.NewMailBus()
	svc := agent.NewService(agent.Options{
		Bus:           mailBus,
		Provider:      prov,
		Caller:        caller,
		Conversations: convs,
		Checkpoints:   checks,
		Booking:       controller,
		Directory:     directory,
		Audit:         auditSvc,
		Notifier:      notifier,
		Sender:        mail.NewBusSender(mailBus),
		Logger:        logger,
		Model:         cfg.Model.Name,
		MaxIterations: cfg.Model.MaxToolIterations,
		HistoryWindow: cfg.Model.HistoryWindow,
	})

	// Outbound delivery is the mail frontend's job; until one is attached the
	// agent prints what it would send.
	mailBus.Subscribe(func(e *bus.OutboundEmail) {
		fmt.Printf("%s %s\n  Subject: %s\n  %s\n",
			color.GreenString("→ mail to"), e.To, e.Subject, e.Body)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mailBus.DispatchOutbound(ctx)

	if agentBody != "" {
		return runAgentOneShot(ctx, cfg, svc)
	}

	runner := sweep.NewRunner(cfg.Sweep, lockStore, logger)
	registerSweepJobs(runner, cfg, controller, notifier, auditSvc, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go svc.Run(ctx)
	if cfg.Sweep.Enabled {
		go runner.Run(ctx)
	}

	fmt.Printf("🤖 SchedAgent running (%s)\n", cfg.Model.Name)
	<-sigChan
	fmt.Println("\nShutting down...")
	svc.Stop()
	cancel()
	return nil
}

func runAgentOneShot(ctx context.Context, cfg *config.Config, svc *agent.Service) error {
	if agentTherapistID == "" || agentClientID == "" {
		return fmt.Errorf("--therapist and --client are required with --body")
	}
	if agentRole != bus.RoleClient && agentRole != bus.RoleTherapist {
		return fmt.Errorf("--role must be %q or %q", bus.RoleClient, bus.RoleTherapist)
	}

	fmt.Printf("🤖 SchedAgent (%s)\nThinking...\n", cfg.Model.Name)
	err := svc.ProcessEmail(ctx, &bus.InboundEmail{
		ConversationID: agentConversationID,
		From:           agentFrom,
		FromRole:       agentRole,
		TherapistID:    agentTherapistID,
		ClientID:       agentClientID,
		Subject:        agentSubject,
		Body:           agentBody,
	})
	if err != nil {
		return err
	}
	// Give the dispatcher a moment to drain the outbound queue.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func registerSweepJobs(runner *sweep.Runner, cfg *config.Config, controller *booking.Controller,
	notifier notify.Notifier, auditSvc *audit.Service, logger *slog.Logger) {

	runner.Register(&sweep.Job{
		Name:     "unfreeze-inactive",
		Interval: time.Hour,
		Fn: func(ctx context.Context) error {
			results, err := controller.UnfreezeInactive(ctx, cfg.Booking.InactivityThreshold, cfg.Booking.AlertAfter)
			if err != nil {
				return err
			}
			for _, res := range results {
				if res.Alerted {
					detail := fmt.Sprintf("frozen for over %s with no booking activity", cfg.Booking.AlertAfter)
					if err := notifier.CapacityAlert(ctx, res.TherapistID, detail); err != nil {
						logger.Warn("capacity alert failed", "therapist", res.TherapistID, "error", err)
					}
				}
				ev := audit.Event{
					ConversationID: "system:sweep",
					EventType:      audit.EventSweepAction,
					Actor:          "sweeper",
					Detail: map[string]any{
						"therapist_id": res.TherapistID,
						"unfroze":      res.Unfroze,
						"alerted":      res.Alerted,
					},
				}
				if err := auditSvc.AddEvent(ctx, ev); err != nil {
					logger.Warn("sweep audit failed", "therapist", res.TherapistID, "error", err)
				}
			}
			return nil
		},
	})

	runner.Register(&sweep.Job{
		Name:     "capacity-digest",
		Interval: 24 * time.Hour,
		Fn: func(ctx context.Context) error {
			records, err := controller.ListCapacity(ctx)
			if err != nil {
				return err
			}
			var frozen, confirmed int
			for _, rec := range records {
				if rec.Frozen() {
					frozen++
				}
				if rec.HasConfirmedEngagement {
					confirmed++
				}
			}
			logger.Info("capacity digest",
				"therapists", len(records), "frozen", frozen, "confirmed", confirmed)
			return nil
		},
	})
}
