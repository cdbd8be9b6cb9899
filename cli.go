package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tubeqa/internal/app"
	"tubeqa/internal/apperr"
	"tubeqa/internal/config"
	"tubeqa/internal/eval"
	"tubeqa/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var (
		indexID string
		files   []string
		videos  []string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Chunk, embed and index transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ingest.Request{IndexID: indexID}
			for _, path := range files {
				raw, err := os.ReadFile(path) // #nosec G304 -- path is an operator supplied CLI argument
				if err != nil {
					return err
				}
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				req.Documents = append(req.Documents, ingest.DocumentInput{ID: name, Title: name, Text: string(raw)})
			}
			for _, v := range videos {
				req.Documents = append(req.Documents, ingest.DocumentInput{VideoID: v})
			}
			if err := req.Validate(); err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, cfg *config.Config, a *app.App) error {
				docs, err := ingest.Resolve(ctx, a.Transcripts, req.Documents)
				if err != nil {
					return err
				}
				h, err := a.Engine.IngestInto(ctx, indexID, docs)
				if errors.Is(err, apperr.ErrNotFound) {
					if _, err = a.Engine.Create(ctx, indexID); err != nil {
						return err
					}
					h, err = a.Engine.IngestInto(ctx, indexID, docs)
				}
				if err != nil {
					return err
				}
				if err := a.Engine.Snapshot(ctx, indexID); err != nil && !errors.Is(err, apperr.ErrInvalidConfig) {
					return err
				}
				return printJSON(cmd.OutOrStdout(), h)
			})
		},
	}
	cmd.Flags().StringVar(&indexID, "index", "default", "Index id")
	cmd.Flags().StringSliceVar(&files, "file", nil, "Plain text transcript file (repeatable)")
	cmd.Flags().StringSliceVar(&videos, "video", nil, "YouTube video id to fetch captions for (repeatable)")
	return cmd
}

func newAskCmd() *cobra.Command {
	var indexID, question, reference string
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Answer a question against an index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, cfg *config.Config, a *app.App) error {
				ans, err := a.Engine.MonitorRequest(ctx, indexID, question, reference)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ans)
			})
		},
	}
	cmd.Flags().StringVar(&indexID, "index", "default", "Index id")
	cmd.Flags().StringVar(&question, "question", "", "Question to answer")
	cmd.Flags().StringVar(&reference, "reference", "", "Optional reference answer, scored by the monitor")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var indexID, samplesPath, outPath string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score the answering pipeline on a question set",
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := readSamples(samplesPath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, cfg *config.Config, a *app.App) error {
				report, err := a.Engine.Evaluate(ctx, indexID, samples, nil)
				if err != nil {
					return err
				}
				if outPath != "" {
					if err := writeReport(outPath, report); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"run_id": report.RunID,
					"means":  report.Means,
					"failed": report.Failed,
				})
			})
		},
	}
	cmd.Flags().StringVar(&indexID, "index", "default", "Index id")
	cmd.Flags().StringVar(&samplesPath, "samples", "", "JSON file with an array of samples")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the report to a .csv or .xlsx file")
	_ = cmd.MarkFlagRequired("samples")
	return cmd
}

func readSamples(path string) ([]eval.Sample, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is an operator supplied CLI argument
	if err != nil {
		return nil, err
	}
	var samples []eval.Sample
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("%w: samples file: %w", apperr.ErrInvalidConfig, err)
	}
	return samples, nil
}

func writeReport(path string, r *eval.Report) error {
	var write func(io.Writer, *eval.Report) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		write = eval.WriteCSV
	case ".xlsx":
		write = eval.WriteXLSX
	default:
		return fmt.Errorf("%w: report must be .csv or .xlsx, got %s", apperr.ErrInvalidConfig, path)
	}

	f, err := os.Create(path) // #nosec G304 -- path is an operator supplied CLI argument
	if err != nil {
		return err
	}
	if err := write(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
