package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leca/schemhost/internal/model"
	"github.com/leca/schemhost/internal/pruner"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed
	ExitCommandError = 2 // bad flags, unreadable config, unreachable store
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err, defaulting to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON document written in json format.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// OutputFormatter renders command results as tab-separated text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// Records writes a record listing.
func (f *OutputFormatter) Records(records []*model.Schematic) error {
	if f.Format == "json" {
		return f.json(records)
	}
	var b strings.Builder
	writeRecordTable(&b, records)
	fmt.Fprintf(&b, "%d schematic(s)\n", len(records))
	return f.text(b.String())
}

// PruneResult writes the outcome of a sweep.
func (f *OutputFormatter) PruneResult(res *pruner.Result) error {
	if f.Format == "json" {
		return f.json(res)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "expired\t%d\n", len(res.Expired))
	fmt.Fprintf(&b, "blobs_removed\t%d\n", res.BlobsRemoved)
	fmt.Fprintf(&b, "blob_errors\t%d\n", res.BlobErrors)
	if len(res.Expired) > 0 {
		b.WriteString("\n")
		writeRecordTable(&b, res.Expired)
	}
	return f.text(b.String())
}

// Stats writes record counts.
func (f *OutputFormatter) Stats(stats model.Stats) error {
	if f.Format == "json" {
		return f.json(stats)
	}
	return f.text(fmt.Sprintf("total\t%d\nactive\t%d\nexpired\t%d\n",
		stats.Total, stats.Active, stats.Expired))
}

func (f *OutputFormatter) json(data any) error {
	return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
}

func (f *OutputFormatter) text(s string) error {
	_, err := io.WriteString(f.Writer, s)
	return err
}

func writeRecordTable(b *strings.Builder, records []*model.Schematic) {
	b.WriteString("ID\tFILE_NAME\tUPLOADER\tSCHEM_TYPE\tLAST_ACCESSED\tEXPIRED\n")
	for _, rec := range records {
		fmt.Fprintf(b, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.FileName,
			orDash(rec.Uploader),
			orDash(rec.SchemType),
			formatTime(&rec.LastAccessed),
			formatTime(rec.Expired),
		)
	}
}

func orDash(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
