package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// Outcome is the result of one input path
type Outcome struct {
	Input    string        `json:"input" yaml:"input"`
	Output   string        `json:"output,omitempty" yaml:"output,omitempty"`
	Location string        `json:"location,omitempty" yaml:"location,omitempty"`
	Stage    string        `json:"stage" yaml:"stage"`
	Size     int64         `json:"size" yaml:"size"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Succeeded reports whether the path completed
func (o Outcome) Succeeded() bool {
	return o.Error == ""
}

// Report summarizes one run
type Report struct {
	RunID       string        `json:"run_id" yaml:"run_id"`
	Action      string        `json:"action" yaml:"action"`
	Destination string        `json:"destination" yaml:"destination"`
	Outcomes    []Outcome     `json:"outcomes" yaml:"outcomes"`
	Skipped     []string      `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// Succeeded reports whether every path completed
func (r *Report) Succeeded() bool {
	if len(r.Skipped) > 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			return false
		}
	}
	return true
}

// Artifact is one listed backup artifact
type Artifact struct {
	Name        string    `json:"name" yaml:"name"`
	Size        int64     `json:"size" yaml:"size"`
	Created     time.Time `json:"created,omitempty" yaml:"created,omitempty"`
	Compression string    `json:"compression" yaml:"compression"`
	KeyMode     string    `json:"key_mode,omitempty" yaml:"key_mode,omitempty"`
	Location    string    `json:"location" yaml:"location"`
}

// Options configures a Printer
type Options struct {
	Writer       io.Writer
	Format       OutputFormat
	ColorEnabled bool
	Quiet        bool
}

// Printer writes reports in the configured format
type Printer struct {
	out    io.Writer
	format OutputFormat
	quiet  bool
	colors ColorSystem
	icons  IconSystem
	theme  ColorTheme
}

// NewPrinter creates a printer. An empty format selects a table.
func NewPrinter(opts Options) *Printer {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Printer{
		out:    opts.Writer,
		format: opts.Format,
		quiet:  opts.Quiet,
		colors: NewColorSystem(opts.ColorEnabled, opts.Writer),
		icons:  NewIconSystem(isTerminal(opts.Writer)),
		theme:  DefaultColorTheme(),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// RenderReport writes the run summary. In quiet table mode only failures are
// written.
func (p *Printer) RenderReport(r *Report) error {
	switch p.format {
	case FormatJSON:
		return p.writeJSON(r)
	case FormatYAML:
		return p.writeYAML(r)
	}

	if p.quiet && r.Succeeded() {
		return nil
	}

	fmt.Fprintln(p.out)
	status := p.colors.Colorize("SUCCESS", p.theme.Success)
	if !r.Succeeded() {
		status = p.colors.Colorize("FAILED", p.theme.Error)
	}
	fmt.Fprintf(p.out, "%s %s, destination %s\n", p.colors.Colorize(capitalize(r.Action), p.theme.Primary), status, r.Destination)

	if len(r.Outcomes) > 0 {
		table := NewTableFormatter(p.colors, p.theme, p.tableWidth())
		table.SetHeaders("", "Input", "Output", "Size", "Time")
		table.SetColumnAlignment(3, AlignRight)
		table.SetColumnAlignment(4, AlignRight)
		for _, o := range r.Outcomes {
			icon := p.icons.RenderIcon("success")
			output := o.Output
			if o.Location != "" {
				output = o.Location
			}
			if !o.Succeeded() {
				icon = p.icons.RenderIcon("failed")
				output = "-"
			}
			table.AddRow(icon, o.Input, output, FormatSize(o.Size), formatDuration(o.Duration))
		}
		table.RenderTo(p.out)
	}

	// Error text is free-form and does not fit a table cell
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			continue
		}
		stage := o.Stage
		if stage == "" {
			stage = "start"
		}
		fmt.Fprintf(p.out, "%s %s failed after stage %s: %s\n",
			p.icons.RenderIconWithColor("failed", p.colors), o.Input, stage, p.colors.Colorize(o.Error, p.theme.Error))
	}

	for _, skipped := range r.Skipped {
		fmt.Fprintf(p.out, "%s %s not processed\n", p.icons.RenderIconWithColor("skipped", p.colors), skipped)
	}
	fmt.Fprintf(p.out, "Run %s finished in %s\n", r.RunID, formatDuration(r.Duration))
	return nil
}

// RenderArtifacts writes an artifact listing
func (p *Printer) RenderArtifacts(source string, artifacts []Artifact) error {
	switch p.format {
	case FormatJSON:
		return p.writeJSON(artifacts)
	case FormatYAML:
		return p.writeYAML(artifacts)
	}

	if len(artifacts) == 0 {
		fmt.Fprintf(p.out, "No backup artifacts in %s\n", source)
		return nil
	}

	fmt.Fprintf(p.out, "Backup artifacts in %s\n", p.colors.Colorize(source, p.theme.Primary))
	table := NewTableFormatter(p.colors, p.theme, p.tableWidth())
	table.SetHeaders("Name", "Created", "Compression", "Key", "Size")
	table.SetColumnAlignment(4, AlignRight)
	for _, a := range artifacts {
		created := "-"
		if !a.Created.IsZero() {
			created = a.Created.Format("2006-01-02 15:04")
		}
		keyMode := a.KeyMode
		if keyMode == "" {
			keyMode = "-"
		}
		table.AddRow(a.Name, created, a.Compression, keyMode, FormatSize(a.Size))
	}
	table.RenderTo(p.out)
	return nil
}

// tableWidth limits tables to the terminal p writes to, if any
func (p *Printer) tableWidth() int {
	if width := getTerminalWidth(p.out); width > 0 {
		return width
	}
	return -1
}

// Success writes a success line unless quiet
func (p *Printer) Success(message string) {
	if p.quiet {
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.icons.RenderIconWithColor("success", p.colors), message)
}

func (p *Printer) writeJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	_, err = fmt.Fprintln(p.out, string(data))
	return err
}

func (p *Printer) writeYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	_, err = p.out.Write(data)
	return err
}

// FormatSize renders a byte count with a binary unit
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
