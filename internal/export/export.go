// Package export renders completed report results as CSV or XLSX.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var (
	ErrJobNotCompleted   = errors.New("job is not completed")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Section is one table of an export: a domain, or a joined relationship.
type Section struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// Sections lays out a result in the config's domain order, followed by
// joined relationships sorted by name.
func Sections(config domain.ReportConfig, result domain.ReportResult) []Section {
	sections := make([]Section, 0, len(config.Domains)+len(result.Joined))
	for _, name := range config.Domains {
		data, ok := result.Domains[name]
		if !ok {
			continue
		}
		columns := data.Fields
		if len(columns) == 0 {
			columns = config.Fields[name]
		}
		sections = append(sections, section(name, columns, data.Rows))
	}

	names := make([]string, 0, len(result.Joined))
	for name := range result.Joined {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rows := result.Joined[name]
		sections = append(sections, section(name, joinedColumns(rows), rows))
	}
	return sections
}

// Job renders a completed job in the given format.
func Job(w io.Writer, format Format, job *domain.ReportJob) error {
	if job == nil || job.Status != domain.JobStatusCompleted || job.Result == nil {
		return ErrJobNotCompleted
	}
	sections := Sections(job.Config, *job.Result)
	switch format {
	case FormatCSV:
		return CSV(w, sections)
	case FormatXLSX:
		return XLSX(w, sections)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// CSV writes a single section as a plain table. With several sections each
// table is preceded by a one-field title record.
func CSV(w io.Writer, sections []Section) error {
	writer := csv.NewWriter(w)
	titled := len(sections) > 1
	for _, current := range sections {
		if titled {
			if err := writer.Write([]string{current.Name}); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
		}
		if err := writer.Write(current.Columns); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		if err := writer.WriteAll(current.Rows); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// XLSX writes one worksheet per section.
func XLSX(w io.Writer, sections []Section) error {
	f := excelize.NewFile()
	defer f.Close()

	first := f.GetSheetName(0)
	used := make(map[string]bool, len(sections))
	for index, current := range sections {
		sheet := sheetName(current.Name, used)
		if index == 0 {
			if err := f.SetSheetName(first, sheet); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", sheet, err)
		}

		if err := setRow(f, sheet, 1, current.Columns); err != nil {
			return err
		}
		for rowIndex, row := range current.Rows {
			if err := setRow(f, sheet, rowIndex+2, row); err != nil {
				return err
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for index, value := range values {
		cells[index] = value
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

// sheetName strips characters Excel rejects and keeps names unique within
// the 31 character limit.
func sheetName(name string, used map[string]bool) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, name)
	if cleaned == "" {
		cleaned = "Sheet"
	}
	cleaned = truncate(cleaned, 31)

	candidate := cleaned
	for suffix := 2; used[strings.ToLower(candidate)]; suffix++ {
		tail := "_" + strconv.Itoa(suffix)
		candidate = truncate(cleaned, 31-len(tail)) + tail
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func section(name string, columns []string, rows []domain.Row) Section {
	out := Section{Name: name, Columns: append([]string(nil), columns...), Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		record := make([]string, len(columns))
		for index, column := range columns {
			record[index] = formatCell(row.Values[column])
		}
		out.Rows = append(out.Rows, record)
	}
	return out
}

func joinedColumns(rows []domain.Row) []string {
	seen := make(map[string]bool)
	columns := make([]string, 0)
	for _, row := range rows {
		for column := range row.Values {
			if !seen[column] {
				seen[column] = true
				columns = append(columns, column)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

func formatCell(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case map[string]any, []any:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(raw)
	default:
		return fmt.Sprint(typed)
	}
}
