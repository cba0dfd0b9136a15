package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/local-history-storage/archive"
	"github.com/ruteri/local-history-storage/cmd/flags"
	"github.com/ruteri/local-history-storage/httpserver"
	"github.com/ruteri/local-history-storage/interfaces"
	"github.com/ruteri/local-history-storage/storage"
	"github.com/urfave/cli/v2"
)

var olderThanFlag = &cli.DurationFlag{
	Name:  "older-than",
	Usage: "purge change sets recorded longer ago than this, along with their contents",
}

var exportToFlag = &cli.StringSliceFlag{
	Name:     "to",
	Required: true,
	Usage:    "archive location URI (file:// or s3://), may be repeated",
}

func main() {
	app := &cli.App{
		Name:  "localhistory",
		Usage: "Inspect and serve a local history storage directory",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "store a file (or stdin with -) and print its content id",
				ArgsUsage: "<file>",
				Action:    withStorage(putAction),
			},
			{
				Name:      "get",
				Usage:     "write the content stored under id to stdout",
				ArgsUsage: "<id>",
				Action:    withStorage(getAction),
			},
			{
				Name:      "purge",
				Usage:     "purge contents by id, or obsolete history with --older-than",
				ArgsUsage: "[id...]",
				Flags:     []cli.Flag{olderThanFlag},
				Action:    withStorage(purgeAction),
			},
			{
				Name:   "status",
				Usage:  "print storage state as JSON",
				Action: withStorage(statusAction),
			},
			{
				Name:   "export",
				Usage:  "copy every content referenced by the history to archive backends",
				Flags:  []cli.Flag{exportToFlag},
				Action: withStorage(exportAction),
			},
			{
				Name:   "serve",
				Usage:  "serve the storage over HTTP",
				Flags:  flags.ServerFlags,
				Action: withStorage(serveAction),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type storageAction func(cCtx *cli.Context, s *storage.Storage, logger *slog.Logger) error

// withStorage opens the data directory around action and closes it afterwards.
func withStorage(action storageAction) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		s, err := flags.OpenStorage(cCtx, logger)
		if err != nil {
			logger.Error("Failed to open storage", "err", err)
			return err
		}
		if r := s.LastRecovery(); r != storage.RecoveryNone {
			logger.Warn("Storage was wiped on open", "reason", r.String())
		}

		actionErr := action(cCtx, s, logger)
		if err := s.Close(); err != nil {
			logger.Error("Failed to close storage", "err", err)
			return errors.Join(actionErr, err)
		}
		return actionErr
	}
}

func putAction(cCtx *cli.Context, s *storage.Storage, logger *slog.Logger) error {
	if cCtx.NArg() != 1 {
		return cli.Exit("expected exactly one file argument", 2)
	}

	var data []byte
	var err error
	if name := cCtx.Args().First(); name == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, interfaces.MaxContentLength+1))
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return err
	}
	if len(data) > interfaces.MaxContentLength {
		return interfaces.ErrContentTooLarge
	}

	c := s.StoreContent(data)
	if c.ID() == interfaces.UnavailableID {
		return interfaces.ErrContentUnavailable
	}
	if err := s.Save(); err != nil {
		return err
	}
	logger.Debug("Stored content", slog.String("content_id", c.ID().String()), slog.Int("size", len(data)))
	fmt.Fprintln(cCtx.App.Writer, c.ID())
	return nil
}

func getAction(cCtx *cli.Context, s *storage.Storage, logger *slog.Logger) error {
	id, err := interfaces.ParseContentID(cCtx.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid content id: %v", err), 2)
	}

	data, err := s.LoadContentData(id)
	if err != nil {
		return err
	}
	_, err = cCtx.App.Writer.Write(data)
	return err
}

func purgeAction(cCtx *cli.Context, s *storage.Storage, logger *slog.Logger) error {
	var errs []error
	for _, arg := range cCtx.Args().Slice() {
		id, err := interfaces.ParseContentID(arg)
		if err != nil {
			return cli.Exit(fmt.Sprintf("invalid content id %q: %v", arg, err), 2)
		}
		if err := s.RemoveContent(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}

	if olderThan := cCtx.Duration(olderThanFlag.Name); olderThan > 0 {
		m, err := s.LoadMemento()
		if err != nil {
			return err
		}
		purged := m.ChangeList.PurgeObsolete(time.Now().Add(-olderThan))
		if err := s.PurgeContents(purged); err != nil {
			errs = append(errs, err)
		}
		if err := s.StoreMemento(m); err != nil {
			return err
		}
		fmt.Fprintf(cCtx.App.Writer, "purged %d contents from obsolete history\n", len(purged))
	}

	if err := s.Save(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func statusAction(cCtx *cli.Context, s *storage.Storage, logger *slog.Logger) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"state":         s.State().String(),
		"last_recovery": s.LastRecovery().String(),
		"version":       storage.CurrentVersion,
		"dir":           s.Dir(),
		"stats":         s.Stats(),
	})
}

func exportAction(cCtx *cli.Context, s *storage.Storage, logger *slog.Logger) error {
	backend, err := archive.NewBackendFactory(logger).CreateMultiBackend(cCtx.StringSlice(exportToFlag.Name))
	if err != nil {
		return err
	}

	m, err := s.LoadMemento()
	if err != nil {
		return err
	}

	report, err := archive.NewExporter(backend, logger).Export(cCtx.Context, m.CollectContents())
	fmt.Fprintf(cCtx.App.Writer, "exported %d, skipped %d, failed %d\n", report.Exported, report.Skipped, report.Failed)
	return err
}

func serveAction(cCtx *cli.Context, s *storage.Storage, logger *slog.Logger) error {
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), s)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server", "dir", s.Dir())
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
