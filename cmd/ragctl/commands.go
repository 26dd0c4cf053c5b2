package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/document"
	httpserver "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/pipeline"
)

func newAskCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question",
		Long: `Ask a question and print the answer.

Examples:
  ragctl ask "Where is Marrakech?"

  # Include provenance
  ragctl ask --json "Where is Marrakech?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			var res pipeline.AnswerResult
			raw, err := opts.call(cmd.Context(), http.MethodPost, "/api/v1/answer", httpserver.ChatRequest{Query: query}, &res)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			if res.Degraded {
				fmt.Fprintln(cmd.ErrOrStderr(), "[ragctl] degraded answer")
			}
			return nil
		},
	}
}

func newIngestCmd(opts *options) *cobra.Command {
	var (
		id     string
		source string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest files as documents",
		Long: `Ingest one or more text files. Each file's path, as given, becomes its
document ID unless --id is set. Use "-" to read a single document from stdin.

Examples:
  ragctl ingest docs/marrakech.md docs/lisbon.md
  cat notes.txt | ragctl ingest --id notes -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id != "" && len(args) > 1 {
				return errors.New("--id can only be used with a single file")
			}
			for _, arg := range args {
				doc, err := readDocument(cmd.InOrStdin(), arg, id, source)
				if err != nil {
					return err
				}
				var res httpserver.IngestResponse
				raw, err := opts.call(cmd.Context(), http.MethodPost, "/api/v1/documents", doc, &res)
				if err != nil {
					return fmt.Errorf("ingesting %s: %w", arg, err)
				}
				if opts.jsonOutput {
					if err := printJSON(cmd.OutOrStdout(), raw); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %s (%d chunks)\n", res.ID, len(res.ChunkIDs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "document ID (single file only)")
	cmd.Flags().StringVar(&source, "source", "", "source URI (defaults to the file path)")
	return cmd
}

func readDocument(stdin io.Reader, arg, id, source string) (document.Document, error) {
	var (
		content []byte
		err     error
	)
	if arg == "-" {
		if id == "" {
			return document.Document{}, errors.New("--id is required when reading from stdin")
		}
		content, err = io.ReadAll(stdin)
		if err != nil {
			return document.Document{}, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(arg)
		if err != nil {
			return document.Document{}, fmt.Errorf("failed to read file %s: %w", arg, err)
		}
		if id == "" {
			id = filepath.ToSlash(filepath.Clean(arg))
		}
		if source == "" {
			if abs, err := filepath.Abs(arg); err == nil {
				source = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
			}
		}
	}
	if strings.TrimSpace(string(content)) == "" {
		return document.Document{}, fmt.Errorf("%s is empty", arg)
	}
	doc := document.Document{ID: id, SourceURI: source, RawText: string(content)}
	if arg != "-" {
		doc.Metadata = map[string]string{
			"filename":  filepath.Base(arg),
			"extension": strings.ToLower(filepath.Ext(arg)),
		}
	}
	return doc, nil
}

func newRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := opts.call(cmd.Context(), http.MethodDelete, "/api/v1/documents/"+url.PathEscape(args[0]), nil, nil)
			if errors.Is(err, errNotFound) {
				return fmt.Errorf("document %q not found", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newDocsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List stored documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list httpserver.DocumentList
			raw, err := opts.call(cmd.Context(), http.MethodGet, "/api/v1/documents", nil, &list)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			if list.Total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no documents")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), documentTable(list.Documents))
			fmt.Fprintf(cmd.OutOrStdout(), "%d document(s)\n", list.Total)
			return nil
		},
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true)

func documentTable(docs []httpserver.DocumentSummary) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle()
		}).
		Headers("ID", "CHUNKS", "INGESTED", "SOURCE")
	for _, d := range docs {
		t.Row(d.ID, fmt.Sprint(d.Chunks), d.IngestedAt.Format("2006-01-02 15:04:05"), d.SourceURI)
	}
	return t.String()
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var h httpserver.HealthResponse
			raw, err := opts.call(cmd.Context(), http.MethodGet, "/health", nil, &h)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", h.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", opts.serverURL)
			if h.Version != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", h.Version)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Documents: %d\n", h.Documents)
			fmt.Fprintf(cmd.OutOrStdout(), "Chunks: %d\n", h.Chunks)
			return nil
		},
	}
}

func newRebuildCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the vector index from the document store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res httpserver.RebuildResponse
			raw, err := opts.call(cmd.Context(), http.MethodPost, "/api/v1/index/rebuild", nil, &res)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "index %s (%d chunks)\n", res.Status, res.Chunks)
			return nil
		},
	}
}
