package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moronhi-ecddigital/graphql/internal/admin"
	"github.com/moronhi-ecddigital/graphql/internal/apq"
	"github.com/moronhi-ecddigital/graphql/internal/graphql"
	"github.com/moronhi-ecddigital/graphql/internal/server"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "apqgate",
		Short:         "GraphQL endpoint with automatic persisted queries",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newHashCmd())
	root.AddCommand(newManifestCmd())
	root.AddCommand(newPasswdCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the GraphQL endpoint and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: parseLogLevel(logLevel),
			}))
			slog.SetDefault(logger)

			if err := server.Run(cmd.Context(), configPath, logger, version); err != nil {
				return err
			}
			logger.Info("apqgate shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "apqgate.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file|->",
		Short: "Print the persisted query hash of a GraphQL document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readDocument(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), apq.Digest(body))
			return err
		},
	}
}

func newManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <files...>",
		Short: "Build an allow-list manifest from GraphQL documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops := make([]apq.ManifestOperation, 0, len(args))
			seen := make(map[string]string, len(args))
			for _, path := range args {
				body, err := readDocument(cmd.InOrStdin(), path)
				if err != nil {
					return err
				}
				op, err := graphql.AnalyzeOperation(body, "")
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				id := apq.Digest(body)
				if prev, ok := seen[id]; ok {
					return fmt.Errorf("%s: same document as %s", path, prev)
				}
				seen[id] = path
				ops = append(ops, apq.ManifestOperation{
					ID:   id,
					Name: op.Name,
					Type: string(op.Kind),
					Body: body,
				})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(apq.NewManifest(ops...))
		},
	}
}

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Hash an admin password read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			password := strings.TrimRight(string(data), "\r\n")
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := admin.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

// readDocument reads a GraphQL document from path, or from stdin for "-".
// The body is hashed as-is, so trailing newlines are kept.
func readDocument(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
