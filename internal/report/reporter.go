// Package report renders analysis results for people and machines: JSON
// and XML documents, a console summary, and an optional SQLite archive
// that keeps run history across invocations.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

// Reporter defines the interface for writing an analysis report to an output.
type Reporter interface {
	// Write renders a single report envelope.
	Write(report *schemas.Report) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for the given format. An empty outputPath (or
// "stdout") writes to standard output without closing it.
func New(format, outputPath string) (Reporter, error) {
	var writer io.WriteCloser
	isStdOut := outputPath == "" || outputPath == "stdout"

	if isStdOut {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return NewJSONReporter(writer), nil
	case "xml":
		return NewXMLReporter(writer), nil
	case "console":
		return NewConsoleReporter(writer), nil
	default:
		if !isStdOut {
			writer.Close()
		}
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
