package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
)

type exportOptions struct {
	root   *rootOptions
	format string
	out    string
}

func newExportCommand(root *rootOptions) *cobra.Command {
	opts := &exportOptions{root: root}

	cmd := &cobra.Command{
		Use:   "export <document-id>",
		Short: "Render a stored document snapshot",
		Long: `export loads the latest snapshot of a document from the configured
storage backend and renders it in the requested format. Output goes to
stdout unless --out names a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", string(collabkit.ExportPlain), "output format: plain, markdown, html, pdf")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write output to file instead of stdout")

	return cmd
}

func runExport(ctx context.Context, opts *exportOptions, documentID string) error {
	format := collabkit.ExportFormat(opts.format)
	if !collabkit.ValidExportFormat(format) {
		return fmt.Errorf("unknown export format %q", opts.format)
	}

	persistence, closePersistence, err := newPersistence(opts.root.cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closePersistence()

	snap, err := persistence.LoadSnapshot(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load %s: %w", documentID, err)
	}

	data, err := collabkit.RenderExport(snap.Title, snap.Content, format)
	if err != nil {
		return err
	}

	if opts.out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(opts.out, data, 0o644)
}
