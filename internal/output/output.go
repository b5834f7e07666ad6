// Package output renders CLI results as tables, JSON, YAML or markdown.
package output

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// Table is the human-readable view of a result.
type Table struct {
	Title  string
	Header table.Row
	Rows   []table.Row
	Footer table.Row
	// Empty is printed instead of a table with no rows.
	Empty string
}

// Render writes payload as JSON or YAML, or tbl for table and markdown.
func Render(format Format, payload any, tbl Table) (string, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	case FormatYAML:
		return renderYAML(payload)
	case FormatMarkdown:
		if len(tbl.Rows) == 0 && tbl.Empty != "" {
			return tbl.Empty, nil
		}
		return tbl.writer().RenderMarkdown(), nil
	default:
		if len(tbl.Rows) == 0 && tbl.Empty != "" {
			return tbl.Empty, nil
		}
		return tbl.writer().Render(), nil
	}
}

func (tbl Table) writer() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if tbl.Title != "" {
		t.SetTitle(tbl.Title)
	}
	if len(tbl.Header) > 0 {
		t.AppendHeader(tbl.Header)
	}
	t.AppendRows(tbl.Rows)
	if len(tbl.Footer) > 0 {
		t.AppendFooter(tbl.Footer)
	}
	return t
}

// renderYAML round-trips through JSON so YAML keys match the JSON tags.
func renderYAML(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}
