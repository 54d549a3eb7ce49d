package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Thegeektechie/EHR-System/internal/ledger"
	"github.com/Thegeektechie/EHR-System/internal/report"
)

func main() {
	_ = godotenv.Load()
	cfg := ledger.LoadConfig()

	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "ledger backend: file or leveldb")
	flag.StringVar(&cfg.Dir, "dir", cfg.Dir, "directory of the file backend")
	flag.StringVar(&cfg.LevelDBPath, "leveldb", cfg.LevelDBPath, "path of the leveldb backend")
	subject := flag.String("subject", "", "print the global chain entries of this subject")
	pdfOut := flag.String("pdf", "", "write a PDF report of the printed entries to this file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(context.Background(), cfg, *subject, *pdfOut, logger); err != nil {
		logger.Error("ledger verification failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg ledger.Config, subject, pdfOut string, logger *slog.Logger) error {
	backend, closer, err := ledger.OpenBackend(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	// read-only: opening a Book would reset a damaged global chain
	scopes, err := backend.Scopes(ctx)
	if err != nil {
		return err
	}
	failed, err := ledger.VerifyBackend(ctx, backend)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		if ferr, bad := failed[scope]; bad {
			fmt.Printf("%-40s BROKEN  %v\n", scope, ferr)
			continue
		}
		fmt.Printf("%-40s ok\n", scope)
	}

	if subject != "" || pdfOut != "" {
		entries, err := backend.Load(ctx, ledger.GlobalScope)
		if err != nil {
			return err
		}
		if subject != "" {
			entries = forSubject(entries, subject)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(entries); err != nil {
				return err
			}
		}
		if pdfOut != "" {
			ferr, broken := failed[ledger.GlobalScope]
			rep := report.Ledger{
				Title:    "EHR ledger history",
				Scope:    ledger.GlobalScope,
				Subject:  subject,
				Verified: !broken,
				Entries:  entries,
			}
			if ferr != nil {
				rep.Problem = ferr.Error()
			}
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			pdf, err := report.NewPDFRenderer(report.LoadConfig()).Render(ctx, rep)
			if err != nil {
				return err
			}
			if err := os.WriteFile(pdfOut, pdf, 0o644); err != nil {
				return err
			}
			logger.Info("report written", "path", pdfOut, "entries", len(entries))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d chains failed verification", len(failed), len(scopes))
	}
	return nil
}

func forSubject(entries []ledger.Entry, subject string) []ledger.Entry {
	out := make([]ledger.Entry, 0)
	for _, e := range entries {
		if e.SubjectID == subject {
			out = append(out, e)
		}
	}
	return out
}
