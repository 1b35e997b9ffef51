package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/buildtrace/core/internal/app"
	"github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/pageextract"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

// buildtracectl is the operator path referenced throughout internal/app: job
// creation and the dispatch of the first OCR tasks happen out of process
// (whatever system enqueues a Job row), but day-to-day operation —
// inspecting progress, cancelling a stuck job, replacing a bad overlay —
// needs a thin CLI over the same Engine/Reader the worker process runs.
func main() {
	cmd := &cli.Command{
		Name:  "buildtracectl",
		Usage: "Operator CLI for the BuildTrace processing core",
		Commands: []*cli.Command{
			ingestVersionCmd(),
			startJobCmd(),
			progressCmd(),
			cancelCmd(),
			regenerateSummaryCmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "buildtracectl: %v\n", err)
		os.Exit(1)
	}
}

// ingestVersionCmd registers a PDF as a DrawingVersion: it uploads the raw
// PDF to object storage, counts its pages, and creates the DrawingVersion
// row with that PageCount and storage ref. Ownership and project creation
// stay out of scope here.
func ingestVersionCmd() *cli.Command {
	return &cli.Command{
		Name:      "ingest-version",
		Usage:     "Upload a PDF, count its pages, and register it as a DrawingVersion",
		ArgsUsage: "<project-id> <pdf-path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID, err := parseUUIDArg(cmd, 0, "project-id")
			if err != nil {
				return err
			}
			pdfPath := cmd.Args().Get(1)
			if pdfPath == "" {
				return fmt.Errorf("pdf-path argument is required")
			}

			raw, err := os.ReadFile(pdfPath)
			if err != nil {
				return fmt.Errorf("read pdf: %w", err)
			}
			pageCount, err := pageextract.CountPages(raw)
			if err != nil {
				return fmt.Errorf("count pages: %w", err)
			}

			a, err := app.New()
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer a.Close()

			id := uuid.New()
			key := a.Clients.Store.RawDrawingKey(id.String())
			ref, err := a.Clients.Store.Put(ctx, key, bytes.NewReader(raw), "application/pdf")
			if err != nil {
				return fmt.Errorf("upload pdf: %w", err)
			}

			version := &domain.DrawingVersion{
				ID:         id,
				ProjectID:  projectID,
				StorageRef: ref,
				PageCount:  pageCount,
			}
			if _, err := a.Repos.DrawingVersions.Create(dbctx.Context{Ctx: ctx}, version); err != nil {
				return fmt.Errorf("create drawing version: %w", err)
			}
			return printJSON(version)
		},
	}
}

// startJobCmd creates a Job row between two DrawingVersions and immediately
// hands it to Engine.StartJob, the one orchestrator entry point that
// does not have an existing bus-driven trigger.
func startJobCmd() *cli.Command {
	return &cli.Command{
		Name:      "start-job",
		Usage:     "Create a comparison Job between two DrawingVersions and start it",
		ArgsUsage: "<project-id> <old-version-id> <new-version-id> <created-by-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID, err := parseUUIDArg(cmd, 0, "project-id")
			if err != nil {
				return err
			}
			oldVersionID, err := parseUUIDArg(cmd, 1, "old-version-id")
			if err != nil {
				return err
			}
			newVersionID, err := parseUUIDArg(cmd, 2, "new-version-id")
			if err != nil {
				return err
			}
			createdBy, err := parseUUIDArg(cmd, 3, "created-by-id")
			if err != nil {
				return err
			}

			a, err := app.New()
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer a.Close()

			dbc := dbctx.Context{Ctx: ctx}
			job := &domain.Job{
				ProjectID:    projectID,
				OldVersionID: oldVersionID,
				NewVersionID: newVersionID,
				CreatedByID:  createdBy,
				Status:       domain.JobQueued,
			}
			job, err = a.Repos.Jobs.Create(dbc, job)
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			if err := a.Engine.StartJob(ctx, job.ID); err != nil {
				return fmt.Errorf("start job: %w", err)
			}
			return printJSON(job)
		},
	}
}

func progressCmd() *cli.Command {
	return &cli.Command{
		Name:      "progress",
		Usage:     "Print a job's current stage/page progress as JSON",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			jobID, err := parseUUIDArg(cmd, 0, "job-id")
			if err != nil {
				return err
			}

			a, err := app.New()
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer a.Close()

			p, err := a.Progress.GetJobProgress(ctx, jobID)
			if err != nil {
				return fmt.Errorf("get job progress: %w", err)
			}
			return printJSON(p)
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cooperative cancellation of a running job",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			jobID, err := parseUUIDArg(cmd, 0, "job-id")
			if err != nil {
				return err
			}

			a, err := app.New()
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer a.Close()

			if err := a.Engine.CancelJob(ctx, jobID); err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			fmt.Printf("job %s marked cancelling\n", jobID)
			return nil
		},
	}
}

func regenerateSummaryCmd() *cli.Command {
	return &cli.Command{
		Name:      "regenerate-summary",
		Usage:     "Reopen the summary stage for one diff result with a manually supplied overlay",
		ArgsUsage: "<diff-result-id> <overlay-ref> <created-by-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			diffResultID, err := parseUUIDArg(cmd, 0, "diff-result-id")
			if err != nil {
				return err
			}
			overlayRef := cmd.Args().Get(1)
			if overlayRef == "" {
				return fmt.Errorf("overlay-ref argument is required")
			}
			createdBy, err := parseUUIDArg(cmd, 2, "created-by-id")
			if err != nil {
				return err
			}

			a, err := app.New()
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer a.Close()

			if err := a.Engine.RegenerateSummary(ctx, diffResultID, overlayRef, createdBy); err != nil {
				return fmt.Errorf("regenerate summary: %w", err)
			}
			fmt.Printf("summary regeneration queued for diff result %s\n", diffResultID)
			return nil
		},
	}
}

func parseUUIDArg(cmd *cli.Command, index int, name string) (uuid.UUID, error) {
	raw := cmd.Args().Get(index)
	if raw == "" {
		return uuid.UUID{}, fmt.Errorf("%s argument is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%s: invalid uuid %q: %w", name, raw, err)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
