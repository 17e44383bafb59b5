package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --output.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

func validFormat(f string) error {
	switch f {
	case FormatTable, FormatJSON, FormatYAML:
		return nil
	}

	return fmt.Errorf("invalid output format %q: must be table, json, or yaml", f)
}

// printer writes human output with optional colors, and structured
// output in the selected format.
type printer struct {
	out       io.Writer
	err       io.Writer
	format    string
	useColors bool
}

// resolveColors disables colors for NO_COLOR, dumb terminals and
// non-table output.
func resolveColors(noColor bool, format string) bool {
	if noColor || format != FormatTable {
		return false
	}

	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}

	return os.Getenv("TERM") != "dumb"
}

func (p *printer) success(format string, args ...any) {
	if p.useColors {
		color.New(color.FgGreen).Fprintf(p.out, "✓ "+format+"\n", args...)
		return
	}

	fmt.Fprintf(p.out, "[OK] "+format+"\n", args...)
}

func (p *printer) info(format string, args ...any) {
	if p.useColors {
		color.New(color.FgCyan).Fprintf(p.out, format+"\n", args...)
		return
	}

	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) warning(format string, args ...any) {
	if p.useColors {
		color.New(color.FgYellow).Fprintf(p.err, "⚠ "+format+"\n", args...)
		return
	}

	fmt.Fprintf(p.err, "[WARN] "+format+"\n", args...)
}

func (p *printer) bold(s string) string {
	if p.useColors {
		return color.New(color.Bold).Sprint(s)
	}

	return s
}

// status renders an active flag, green or red when colors are on.
func (p *printer) status(active bool) string {
	s := "inactive"
	c := color.FgRed

	if active {
		s = "active"
		c = color.FgGreen
	}

	if p.useColors {
		return color.New(c).Sprint(s)
	}

	return s
}

// structured writes v as JSON or YAML. It reports false for table
// output so the caller renders its own view.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")

		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return true, err
		}

		return true, enc.Close()
	}

	return false, nil
}

// table renders rows under headers without borders.
func (p *printer) table(headers []string, rows [][]string) error {
	t := tablewriter.NewTable(p.out,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)

	t.Header(headers)

	if err := t.Bulk(rows); err != nil {
		return fmt.Errorf("building table: %w", err)
	}

	return t.Render()
}
