package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"eaip/engine/internal/app"
	"eaip/engine/internal/archive"
	"eaip/engine/internal/config"
	"eaip/engine/internal/document"
	"eaip/engine/internal/gitrepo"
	"eaip/engine/internal/logging"
	"eaip/engine/internal/metrics"
	"eaip/engine/internal/notify"
	"eaip/engine/internal/search"
	"eaip/engine/internal/store"
	"eaip/engine/internal/workflow"
	"eaip/engine/internal/worklock"
)

var (
	orgID  string
	branch string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eaipvc",
		Short: "Version control and change review for eAIP documents",
	}

	rootCmd.PersistentFlags().StringVar(&orgID, "org", "", "organisation id")
	rootCmd.PersistentFlags().StringVar(&branch, "branch", gitrepo.MainBranch, "branch to operate on")

	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(diffCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type runtime struct {
	svc     *app.Service
	cleanup func()
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	locks, err := worklock.NewRedisStore(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	engine := workflow.NewEngine(workflow.DefaultAuthorityPolicy(), log)
	m := metrics.New(prometheus.NewRegistry())
	svc := app.New(cfg, dataStore, gitService, locks, engine, log, m)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchSvc := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchSvc.ReindexAllFromPG(ctx)
	}
	svc.WithSearch(searchSvc)

	if strings.TrimSpace(cfg.SMTPHost) != "" {
		svc.WithNotifier(notify.NewService(notify.Config{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			FromName:   cfg.SMTPFromName,
			Recipients: cfg.NotifyRecipients,
		}))
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		releases, err := archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("release archive unavailable")
		} else {
			svc.WithArchive(releases)
		}
	}

	cleanup := func() {
		if meiliClient != nil {
			meiliClient.Close()
		}
		locks.Close()
		db.Close()
	}
	return &runtime{svc: svc, cleanup: cleanup}, nil
}

func requireOrg() error {
	if strings.TrimSpace(orgID) == "" {
		return fmt.Errorf("--org is required")
	}
	return nil
}

func commitCmd() *cobra.Command {
	var file, author, email, message string

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit a document snapshot from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			snap, err := document.Decode(data)
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			if err := rt.svc.EnsureOrg(cmd.Context(), orgID, orgID); err != nil {
				return err
			}
			result, err := rt.svc.SaveDocument(cmd.Context(), orgID, branch, snap, gitrepo.Identity{Name: author, Email: email}, message)
			if err != nil {
				return err
			}
			if result.NoChanges {
				fmt.Println("No changes: content identical to branch tip")
				return nil
			}
			fmt.Printf("Committed %s at %s\n", snap.ID, result.Commit.ShortHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to the snapshot JSON")
	cmd.Flags().StringVar(&author, "author", "eAIP Editor", "author name")
	cmd.Flags().StringVar(&email, "email", "editor@eaip.local", "author email")
	cmd.Flags().StringVar(&message, "message", "", "commit message (auto-generated when empty)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func showCmd() *cobra.Command {
	var revision string

	cmd := &cobra.Command{
		Use:   "show [document-id]",
		Short: "Print a document snapshot at a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			snap, err := rt.svc.GetDocument(cmd.Context(), orgID, args[0], revision)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}

	cmd.Flags().StringVar(&revision, "rev", gitrepo.MainBranch, "branch, tag or commit hash")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [document-id]",
		Short: "List the commits that touched a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			commits, err := rt.svc.History(cmd.Context(), orgID, branch, args[0], limit)
			if err != nil {
				return err
			}
			for _, c := range commits {
				subject := c.Message
				if i := strings.IndexByte(subject, '\n'); i >= 0 {
					subject = subject[:i]
				}
				fmt.Printf("%s  %s  %s  %s\n", c.ShortHash, c.When.Format(time.RFC3339), c.AuthorName, subject)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum commits to list")
	return cmd
}

func diffCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "diff [document-id]",
		Short: "Show the structural changes between two revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			changes, err := rt.svc.Diff(cmd.Context(), orgID, args[0], from, to)
			if err != nil {
				return err
			}
			for _, e := range changes.Entries {
				fmt.Printf("%-9s %-11s %s\n", e.Action, e.Kind, e.Description)
			}
			fmt.Printf("%d additions, %d deletions\n", changes.TotalAdditions, changes.TotalDeletions)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "old revision")
	cmd.Flags().StringVar(&to, "to", gitrepo.MainBranch, "new revision")
	cmd.MarkFlagRequired("from")
	return cmd
}

func tagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List release tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			tags, err := rt.svc.ListTags(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			for _, t := range tags {
				fmt.Println(t)
			}
			return nil
		},
	}
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Drive the approval workflow for a document",
	}
	cmd.AddCommand(reviewInitiateCmd())
	cmd.AddCommand(reviewDecideCmd())
	cmd.AddCommand(reviewWithdrawCmd())
	cmd.AddCommand(reviewComplianceCmd())
	cmd.AddCommand(reviewPublishCmd())
	cmd.AddCommand(reviewShowCmd())
	return cmd
}

func reviewInitiateCmd() *cobra.Command {
	var criticality, actor string

	cmd := &cobra.Command{
		Use:   "initiate [document-id]",
		Short: "Open an approval workflow for the document on main",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			w, err := rt.svc.InitiateWorkflow(cmd.Context(), orgID, args[0], actor, workflow.Criticality(strings.ToUpper(criticality)))
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s  state %s  priority %s\n", w.ID, w.CurrentState, w.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&criticality, "criticality", string(workflow.CriticalityRoutine), "CRITICAL, ESSENTIAL or ROUTINE")
	cmd.Flags().StringVar(&actor, "actor", "", "initiating user")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func reviewDecideCmd() *cobra.Command {
	var level, actor, role, decision, comment string

	cmd := &cobra.Command{
		Use:   "decide [workflow-id]",
		Short: "Record an authority decision at one approval level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			w, err := rt.svc.RecordDecision(cmd.Context(), args[0], workflow.State(level), actor, role, workflow.Decision(decision), comment)
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s  state %s\n", w.ID, w.CurrentState)
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "approval level (e.g. technical_review)")
	cmd.Flags().StringVar(&actor, "actor", "", "deciding user")
	cmd.Flags().StringVar(&role, "role", "", "deciding user's role")
	cmd.Flags().StringVar(&decision, "decision", string(workflow.DecisionApprove), "approve, reject or request_changes")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.MarkFlagRequired("level")
	cmd.MarkFlagRequired("actor")
	cmd.MarkFlagRequired("role")
	return cmd
}

func reviewWithdrawCmd() *cobra.Command {
	var actor, comment string

	cmd := &cobra.Command{
		Use:   "withdraw [workflow-id]",
		Short: "Withdraw an in-flight workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			w, err := rt.svc.WithdrawWorkflow(cmd.Context(), args[0], actor, comment)
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s  state %s\n", w.ID, w.CurrentState)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "withdrawing user")
	cmd.Flags().StringVar(&comment, "comment", "", "reason")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func reviewComplianceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compliance [workflow-id]",
		Short: "Run the regulatory checks against the document on main",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			compliance, err := rt.svc.ValidateCompliance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(compliance)
		},
	}
}

func reviewPublishCmd() *cobra.Command {
	var tag, author, email string

	cmd := &cobra.Command{
		Use:   "publish [workflow-id]",
		Short: "Tag the approved document as an immutable release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			w, err := rt.svc.PublishRelease(cmd.Context(), args[0], tag, gitrepo.Identity{Name: author, Email: email})
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s  state %s  tag %s\n", w.ID, w.CurrentState, tag)
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "release tag name")
	cmd.Flags().StringVar(&author, "author", "eAIP Editor", "tagger name")
	cmd.Flags().StringVar(&email, "email", "editor@eaip.local", "tagger email")
	cmd.MarkFlagRequired("tag")
	return cmd
}

func reviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [workflow-id]",
		Short: "Print a workflow with its approvals and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			w, err := rt.svc.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
}

func archiveCmd() *cobra.Command {
	var doc string

	cmd := &cobra.Command{
		Use:   "archive [tag]",
		Short: "Inspect the published snapshots archived for a release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			if doc != "" {
				raw, err := rt.svc.ArchivedSnapshot(cmd.Context(), orgID, args[0], doc)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(raw)
				return err
			}
			docs, err := rt.svc.ReleaseArtifacts(cmd.Context(), orgID, args[0])
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Println(d)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&doc, "doc", "", "print the archived snapshot for one document")
	return cmd
}

func searchCmd() *cobra.Command {
	var country, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text search over the document catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			resp, err := rt.svc.SearchDocuments(cmd.Context(), search.Query{
				Text:    strings.Join(args, " "),
				OrgID:   orgID,
				Country: country,
				Status:  status,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			for _, r := range resp.Results {
				fmt.Printf("%-24s %-10s %s\n", r.DocumentID, r.Status, r.Title)
			}
			fmt.Printf("%d results\n", resp.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&country, "country", "", "filter by country")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print workflow statistics for an organisation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.cleanup()

			report, err := rt.svc.Report(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
