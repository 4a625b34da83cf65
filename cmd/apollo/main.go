package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeboe/apollo/pkg/app"
	"github.com/mikeboe/apollo/pkg/config"
	"github.com/mikeboe/apollo/pkg/database"
	"github.com/mikeboe/apollo/pkg/server"
)

var (
	title       string
	description string
	questions   []string
	pollEvery   time.Duration
)

func main() {
	handler := slog.NewTextHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(handler))

	rootCmd := &cobra.Command{
		Use:   "apollo",
		Short: "A multi-agent research engine",
		Long:  `Apollo works through a research plan with a team of agents, gathers sources from arXiv into a knowledge base and writes a final report.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a research plan to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("title") {
				promptPlan()
			}
			return runResearch(cmd.Context(), handler)
		},
	}
	runCmd.Flags().StringVarP(&title, "title", "t", "", "The research title")
	runCmd.Flags().StringVarP(&description, "description", "d", "", "A short description of the research")
	runCmd.Flags().StringArrayVarP(&questions, "question", "q", nil, "A research question, repeatable")
	runCmd.Flags().DurationVar(&pollEvery, "poll", 5*time.Second, "How often to check progress")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List research jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(repo *database.ResearchRepository) error {
				list, err := repo.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, r := range list {
					fmt.Printf("%s  %-10s  %s\n", r.ID, r.Status, r.Title)
				}
				return nil
			})
		},
	}

	reportCmd := &cobra.Command{
		Use:   "report [id]",
		Short: "Print the final report of a research job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(repo *database.ResearchRepository) error {
				res, err := repo.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if res.Report == nil {
					return fmt.Errorf("research %s has no report yet (status %s)", args[0], res.Status)
				}
				fmt.Println(*res.Report)
				return nil
			})
		},
	}

	rootCmd.AddCommand(runCmd, listCmd, reportCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

// promptPlan reads the plan interactively.
func promptPlan() {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Enter research title: ")
	input, _ := reader.ReadString('\n')
	title = strings.TrimSpace(input)

	fmt.Print("Enter a short description (optional): ")
	input, _ = reader.ReadString('\n')
	description = strings.TrimSpace(input)

	fmt.Println("Enter research questions, one per line. Finish with an empty line:")
	for {
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input == "" || err != nil {
			if input != "" {
				questions = append(questions, input)
			}
			return
		}
		questions = append(questions, input)
	}
}

func runResearch(ctx context.Context, handler slog.Handler) error {
	cfg := config.Load()
	a, err := app.New(ctx, cfg, handler)
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	res, err := a.Service.CreateResearch(ctx, server.CreateResearchRequest{
		Title:       title,
		Description: description,
		Questions:   questions,
	})
	if err != nil {
		cancel()
		<-done
		return err
	}
	jobID := res.ID.String()
	slog.Info("Starting research", "job_id", jobID, "title", res.Title, "questions", len(res.Questions))

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Interrupted, stopping research", "job_id", jobID)
			cancel()
			<-done
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
		}

		res, err := a.Repo.Get(ctx, jobID)
		if err != nil {
			slog.Warn("Failed to read research status", "job_id", jobID, "error", err)
			continue
		}
		if st, err := a.Service.Status(ctx, jobID); err == nil {
			slog.Info("Research progress", "status", st.Status, "completed", st.Completed, "pending", st.Pending, "sources", st.Sources)
		}

		switch res.Status {
		case database.StatusCompleted:
			if a.Processor.Running() > 0 {
				continue
			}
			cancel()
			<-done
			if res.Report != nil {
				fmt.Println(*res.Report)
			}
			return nil
		case database.StatusFailed, database.StatusCancelled:
			if a.Processor.Running() > 0 {
				continue
			}
			cancel()
			<-done
			return fmt.Errorf("research %s %s", jobID, res.Status)
		}
	}
}

func withRepo(ctx context.Context, fn func(*database.ResearchRepository) error) error {
	cfg := config.Load()
	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, database.PoolOptions{MaxConns: 2, MinConns: 1})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(database.NewResearchRepository(db))
}
