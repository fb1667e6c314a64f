// Command kbctl runs knowledge base maintenance against the configured
// storage and catalog, using the same environment as the API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"kbapi/internal/app"
	"kbapi/internal/config"
	"kbapi/internal/model"
	"kbapi/internal/service"
)

// opener builds the pipeline for one command run. The returned func releases it.
type opener func(ctx context.Context, logger *slog.Logger) (service.KnowledgeService, func() error, error)

func main() {
	if err := newApp(os.Stdout, openFromEnv).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openFromEnv(ctx context.Context, logger *slog.Logger) (service.KnowledgeService, func() error, error) {
	cfg := config.Load()
	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return a.Pipeline, a.Close, nil
}

func newApp(out io.Writer, open opener) *cli.App {
	var logger *slog.Logger

	// run opens the pipeline, hands it to fn and closes it afterwards.
	run := func(fn func(c *cli.Context, svc service.KnowledgeService) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			svc, closeFn, err := open(c.Context, logger)
			if err != nil {
				return err
			}
			defer closeFn()
			return fn(c, svc)
		}
	}

	return &cli.App{
		Name:      "kbctl",
		Usage:     "Manage the knowledge base: upload, list, delete and rebuild",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: func(c *cli.Context) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
				return fmt.Errorf("invalid log level %q", c.String("log-level"))
			}
			logger = app.NewLogger(os.Stderr, time.UTC, level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Upload one or more documents and rebuild the knowledge base",
				ArgsUsage: "<file> [file...]",
				Action: run(func(c *cli.Context, svc service.KnowledgeService) error {
					if c.NArg() == 0 {
						return fmt.Errorf("at least one file is required")
					}
					inputs, err := readInputs(c.Args().Slice())
					if err != nil {
						return err
					}
					res, err := svc.Upload(c.Context, inputs)
					if err != nil {
						return err
					}
					if err := writeJSON(c.App.Writer, res); err != nil {
						return err
					}
					if res.SuccessCount < res.Total {
						return fmt.Errorf("%d of %d files were discarded", res.Total-res.SuccessCount, res.Total)
					}
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List cataloged documents in catalog order",
				Action: run(func(c *cli.Context, svc service.KnowledgeService) error {
					docs, err := svc.List(c.Context)
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, docs)
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a document and rebuild the knowledge base",
				ArgsUsage: "<id>",
				Action: run(func(c *cli.Context, svc service.KnowledgeService) error {
					if c.NArg() != 1 {
						return fmt.Errorf("exactly one document id is required")
					}
					res, err := svc.Delete(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, res)
				}),
			},
			{
				Name:  "rebuild",
				Usage: "Re-extract every document and overwrite the knowledge base",
				Action: run(func(c *cli.Context, svc service.KnowledgeService) error {
					res, err := svc.Rebuild(c.Context)
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, res)
				}),
			},
			{
				Name:  "aggregate",
				Usage: "Print the consolidated knowledge text",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "raw",
						Usage: "Print only the content, without version metadata",
					},
				},
				Action: run(func(c *cli.Context, svc service.KnowledgeService) error {
					agg, err := svc.Aggregate(c.Context)
					if err != nil {
						return err
					}
					if c.Bool("raw") {
						_, err := io.WriteString(c.App.Writer, agg.Content)
						return err
					}
					return writeJSON(c.App.Writer, agg)
				}),
			},
		},
	}
}

func readInputs(paths []string) ([]model.UploadInput, error) {
	inputs := make([]model.UploadInput, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		inputs = append(inputs, model.UploadInput{
			FileName:    filepath.Base(p),
			ContentType: ct,
			Data:        data,
		})
	}
	return inputs, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
