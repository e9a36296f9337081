package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/pglib/pglib"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
	FormatPlain OutputFormat = "plain"
)

// Output handles formatted output
type Output struct {
	format  OutputFormat
	writer  io.Writer
	noColor bool
	quiet   bool
}

// NewOutput creates a new Output instance
func NewOutput(format OutputFormat, noColor, quiet bool) *Output {
	return &Output{
		format:  format,
		writer:  os.Stdout,
		noColor: noColor,
		quiet:   quiet,
	}
}

// SetWriter sets the output writer
func (o *Output) SetWriter(w io.Writer) {
	o.writer = w
}

// Print prints a message
func (o *Output) Print(msg string) {
	if o.quiet {
		return
	}
	fmt.Fprintln(o.writer, msg) //nolint:errcheck
}

// Printf prints a formatted message
func (o *Output) Printf(format string, args ...interface{}) {
	if o.quiet {
		return
	}
	fmt.Fprintf(o.writer, format+"\n", args...) //nolint:errcheck
}

// Success prints a success message
func (o *Output) Success(msg string) {
	if o.quiet {
		return
	}
	if o.noColor {
		fmt.Fprintf(o.writer, "%s %s\n", IconSuccess, msg) //nolint:errcheck
	} else {
		fmt.Fprintln(o.writer, Success.Render(IconSuccess)+" "+msg) //nolint:errcheck
	}
}

// Error prints an error message
func (o *Output) Error(msg string) {
	if o.noColor {
		fmt.Fprintf(os.Stderr, "%s %s\n", IconError, msg) //nolint:errcheck
	} else {
		fmt.Fprintln(os.Stderr, Error.Render(IconError)+" "+Error.Render(msg)) //nolint:errcheck
	}
}

// Warning prints a warning message
func (o *Output) Warning(msg string) {
	if o.quiet {
		return
	}
	if o.noColor {
		fmt.Fprintf(o.writer, "%s %s\n", IconWarning, msg) //nolint:errcheck
	} else {
		fmt.Fprintln(o.writer, Warning.Render(IconWarning)+" "+Warning.Render(msg)) //nolint:errcheck
	}
}

// Info prints an info message
func (o *Output) Info(msg string) {
	if o.quiet {
		return
	}
	if o.noColor {
		fmt.Fprintf(o.writer, "%s %s\n", IconInfo, msg) //nolint:errcheck
	} else {
		fmt.Fprintln(o.writer, Info.Render(IconInfo)+" "+msg) //nolint:errcheck
	}
}

// Title prints a title
func (o *Output) Title(msg string) {
	if o.quiet {
		return
	}
	if o.noColor {
		fmt.Fprintf(o.writer, "\n%s\n%s\n", msg, strings.Repeat("=", len(msg))) //nolint:errcheck
	} else {
		fmt.Fprintln(o.writer, Title.Render(msg)) //nolint:errcheck
	}
}

// JSON outputs data as JSON
func (o *Output) JSON(data interface{}) error {
	enc := json.NewEncoder(o.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// YAML outputs data as YAML
func (o *Output) YAML(data interface{}) error {
	enc := yaml.NewEncoder(o.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Table represents a simple table
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table
func NewTable(output *Output, headers ...string) *Table {
	return &Table{
		headers: headers,
		rows:    make([][]string, 0),
		output:  output,
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cols ...string) {
	t.rows = append(t.rows, cols)
}

// Render renders the table
func (t *Table) Render() {
	if t.output.format == FormatJSON {
		t.renderJSON()
		return
	}
	if t.output.format == FormatYAML {
		t.renderYAML()
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, col := range row {
			if i < len(widths) && len(col) > widths[i] {
				widths[i] = len(col)
			}
		}
	}

	headerCells := make([]string, len(t.headers))
	for i, h := range t.headers {
		if t.output.noColor {
			headerCells[i] = padRight(h, widths[i])
		} else {
			headerCells[i] = HeaderStyle.Width(widths[i]).Render(h)
		}
	}
	fmt.Fprintln(t.output.writer, strings.Join(headerCells, "  ")) //nolint:errcheck

	for _, row := range t.rows {
		cells := make([]string, len(row))
		for i, col := range row {
			width := widths[0]
			if i < len(widths) {
				width = widths[i]
			}
			cells[i] = padRight(col, width)
		}
		fmt.Fprintln(t.output.writer, strings.Join(cells, "  ")) //nolint:errcheck
	}
}

func (t *Table) renderJSON() {
	data := t.asMaps()
	_ = t.output.JSON(data)
}

func (t *Table) renderYAML() {
	data := t.asMaps()
	_ = t.output.YAML(data)
}

func (t *Table) asMaps() []map[string]string {
	data := make([]map[string]string, len(t.rows))
	for i, row := range t.rows {
		m := make(map[string]string)
		for j, col := range row {
			if j < len(t.headers) {
				m[t.headers[j]] = col
			}
		}
		data[i] = m
	}
	return data
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// KeyValue prints a key-value pair
func (o *Output) KeyValue(key, value string) {
	if o.quiet {
		return
	}
	if o.noColor {
		fmt.Fprintf(o.writer, "  %s: %s\n", key, value) //nolint:errcheck
	} else {
		fmt.Fprintf(o.writer, "  %s: %s\n", Muted.Render(key), value) //nolint:errcheck
	}
}

// Box prints content in a box
func (o *Output) Box(content string) {
	if o.quiet {
		return
	}
	if o.noColor {
		lines := strings.Split(content, "\n")
		maxLen := 0
		for _, line := range lines {
			if len(line) > maxLen {
				maxLen = len(line)
			}
		}
		border := strings.Repeat("─", maxLen+2)
		fmt.Fprintf(o.writer, "┌%s┐\n", border) //nolint:errcheck
		for _, line := range lines {
			fmt.Fprintf(o.writer, "│ %s │\n", padRight(line, maxLen)) //nolint:errcheck
		}
		fmt.Fprintf(o.writer, "└%s┘\n", border) //nolint:errcheck
	} else {
		fmt.Fprintln(o.writer, BoxStyle.Render(content)) //nolint:errcheck
	}
}

// SpinnerStyle Spinner styles
var SpinnerStyle = lipgloss.NewStyle().Foreground(ColorPrimary)

// RenderResult renders one pglib.Result the way the console reports a
// completed request: a row table for tuples, otherwise a one-line
// command tag summary.
func (o *Output) RenderResult(res *pglib.Result) {
	switch res.Status {
	case pglib.StatusTuplesOK:
		o.renderRows(res)
	case pglib.StatusCommandOK:
		o.Success(fmt.Sprintf("%s (%d rows affected)", res.CommandTag, res.RowsAffected))
	case pglib.StatusEmptyQuery:
		o.Info("empty query")
	case pglib.StatusCopyIn:
		o.Success(fmt.Sprintf("COPY FROM STDIN complete: %s", res.CommandTag))
	case pglib.StatusCopyOut:
		o.Success(fmt.Sprintf("COPY TO STDOUT complete: %s", res.CommandTag))
	default:
		o.Warning(fmt.Sprintf("unexpected result status %s", res.Status))
	}
}

func (o *Output) renderRows(res *pglib.Result) {
	headers := make([]string, len(res.Fields))
	for i, f := range res.Fields {
		headers[i] = f.Name
	}
	table := NewTable(o, headers...)
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, col := range row {
			if col == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = string(col)
			}
		}
		table.AddRow(cells...)
	}
	table.Render()
	o.Printf("(%d rows)", len(res.Rows))
}
