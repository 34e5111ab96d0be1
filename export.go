package collabkit

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/c0deZ3R0/go-collab-kit/errors"
)

// ExportFormat selects an export rendering.
type ExportFormat string

const (
	ExportPlain    ExportFormat = "plain"
	ExportMarkdown ExportFormat = "markdown"
	ExportHTML     ExportFormat = "html"

	// ExportPDF returns the HTML intermediate; rasterizing it is the
	// external collaborator's job.
	ExportPDF ExportFormat = "pdf"
)

// ValidExportFormat reports whether f names a known format.
func ValidExportFormat(f ExportFormat) bool {
	switch f {
	case ExportPlain, ExportMarkdown, ExportHTML, ExportPDF:
		return true
	}
	return false
}

// Export renders the document's current content in the requested
// format. Read capability is re-checked on every call.
func (e *Engine) Export(ctx context.Context, documentID string, format ExportFormat, requesterID string) ([]byte, error) {
	if err := e.guardClosed(errors.OpExport); err != nil {
		return nil, err
	}
	if !ValidExportFormat(format) {
		return nil, errors.NewValidationError(errors.OpExport,
			fmt.Errorf("unknown export format %q", format))
	}
	st, ok := e.store.state(documentID)
	if !ok {
		return nil, errors.NotFound(errors.OpExport, documentID)
	}

	st.mu.Lock()
	allowed := e.perms.CanPerform(ctx, requesterID, st.doc, CapRead)
	title := st.doc.Title
	content := st.doc.Content
	st.mu.Unlock()
	if !allowed {
		return nil, errors.PermissionDenied(errors.OpExport, requesterID, string(CapRead))
	}

	out, err := RenderExport(title, content, format)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Document exported",
		"document_id", documentID,
		"format", string(format),
		"bytes", len(out))
	return out, nil
}

// RenderExport renders title and content in the requested format. It
// is the formatting half of Export, usable without an engine, e.g. to
// render a snapshot loaded straight from a persistence backend.
func RenderExport(title, content string, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportPlain:
		return []byte(content), nil
	case ExportMarkdown:
		return renderMarkdown(title, content), nil
	case ExportHTML, ExportPDF:
		return renderHTML(title, content), nil
	}
	return nil, errors.NewValidationError(errors.OpExport,
		fmt.Errorf("unknown export format %q", format))
}

// StoreExport renders the document and hands the result to the
// persistence collaborator.
func (e *Engine) StoreExport(ctx context.Context, documentID string, format ExportFormat, requesterID string) error {
	data, err := e.Export(ctx, documentID, format, requesterID)
	if err != nil {
		return err
	}
	if err := e.persist.WriteExport(ctx, documentID, format, data); err != nil {
		return errors.NewStorageError(errors.OpExport, err)
	}
	e.logger.Info("Export stored",
		"document_id", documentID,
		"format", string(format),
		"bytes", len(data))
	return nil
}

func renderMarkdown(title, content string) []byte {
	var b strings.Builder
	if title != "" {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	b.WriteString(content)
	return []byte(b.String())
}

func renderHTML(title, content string) []byte {
	escTitle := html.EscapeString(title)
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	b.WriteString(escTitle)
	b.WriteString("</title>\n</head>\n<body>\n<h1>")
	b.WriteString(escTitle)
	b.WriteString("</h1>\n<pre>")
	b.WriteString(html.EscapeString(content))
	b.WriteString("</pre>\n</body>\n</html>\n")
	return []byte(b.String())
}
