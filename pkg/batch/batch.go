// Package batch parses experiment uploads (CSV or JSONL) into run items
// for the experiment queue. Parsing never fails a whole file for one bad
// row: recoverable problems become warnings with defaults applied.
package batch

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/qcenturion/arion-agents/pkg/config"
)

// DefaultUserMessage opens a conversation when the upload names none.
const DefaultUserMessage = "start conversation"

// Column names with dedicated item fields. Anything else lands in
// metadata, except the system_params.* prefixes.
var knownColumns = map[string]bool{
	"iterations":                true,
	"user_message":              true,
	"correct_answer":            true,
	"label":                     true,
	"issue_description":         true,
	"true_solution_description": true,
	"stopping_conditions":       true,
}

// Schema is the column hint returned with every parse result.
type Schema struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// Result is the outcome of parsing one upload.
type Result struct {
	Items    []map[string]interface{} `json:"items"`
	Warnings []string                 `json:"warnings"`
	Errors   []string                 `json:"errors"`
	Schema   Schema                   `json:"schema"`
}

func newResult() *Result {
	return &Result{
		Items:    []map[string]interface{}{},
		Warnings: []string{},
		Errors:   []string{},
		Schema: Schema{
			Required: []string{"iterations"},
			Optional: []string{
				"user_message", "correct_answer", "label",
				"issue_description", "true_solution_description", "stopping_conditions",
				"system_params.<name>", "<any other column becomes metadata>",
			},
		},
	}
}

// ParseUpload dispatches on the file extension: .csv or .jsonl/.ndjson.
func ParseUpload(filename string, r io.Reader) (*Result, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ParseCSV(r)
	case ".jsonl", ".ndjson":
		return ParseJSONL(r)
	default:
		return nil, fmt.Errorf("unsupported file type %q (expected .csv or .jsonl)", filepath.Ext(filename))
	}
}

// ParseCSV reads a header row and one item per data row. Cell values are
// coerced (true/false/null, numbers, JSON-ish objects and lists).
func ParseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty CSV file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	result := newResult()
	rowNum := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}

		item := map[string]interface{}{}
		for i, cell := range row {
			if i >= len(header) {
				break
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			assignColumn(item, header[i], coerceCell(cell))
		}
		finishItem(item, rowNum, result)
	}
	return result, nil
}

// ParseJSONL reads one JSON object per line and applies the same
// post-processing as CSV rows.
func ParseJSONL(r io.Reader) (*Result, error) {
	result := newResult()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		item := map[string]interface{}{}
		for key, value := range raw {
			assignColumn(item, key, value)
		}
		finishItem(item, lineNum, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return result, nil
}

// assignColumn routes one column into the item: known columns land at the
// top level, system_params.x.y (or system_params__x__y) assigns nested
// values, everything else goes under metadata.
func assignColumn(item map[string]interface{}, column string, value interface{}) {
	var path []string
	switch {
	case strings.HasPrefix(column, "system_params."):
		path = strings.Split(strings.TrimPrefix(column, "system_params."), ".")
	case strings.HasPrefix(column, "system_params__"):
		path = strings.Split(strings.TrimPrefix(column, "system_params__"), "__")
	case column == "system_params":
		if m, ok := value.(map[string]interface{}); ok {
			item["system_params"] = m
		}
		return
	}
	if path != nil {
		assignNested(ensureMap(item, "system_params"), path, value)
		return
	}

	if knownColumns[column] {
		item[column] = value
		return
	}
	ensureMap(item, "metadata")[column] = value
}

func ensureMap(item map[string]interface{}, key string) map[string]interface{} {
	if m, ok := item[key].(map[string]interface{}); ok {
		return m
	}
	m := map[string]interface{}{}
	item[key] = m
	return m
}

func assignNested(target map[string]interface{}, path []string, value interface{}) {
	for i := 0; i < len(path)-1; i++ {
		target = ensureMap(target, path[i])
	}
	target[path[len(path)-1]] = value
}

// finishItem applies the iteration and user_message defaults, warning on
// anything it had to fix, then appends the item.
func finishItem(item map[string]interface{}, rowNum int, result *Result) {
	iterations := 1
	switch v := item["iterations"].(type) {
	case nil:
		result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: missing iterations, defaulting to 1", rowNum))
	case int:
		iterations = v
	case float64:
		iterations = int(v)
	default:
		result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: invalid iterations %v, defaulting to 1", rowNum, v))
	}
	if iterations < 1 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: iterations %d below 1, defaulting to 1", rowNum, iterations))
		iterations = 1
	}
	item["iterations"] = iterations

	if msg, ok := item["user_message"].(string); !ok || strings.TrimSpace(msg) == "" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: missing user_message, defaulting to %q", rowNum, DefaultUserMessage))
		item["user_message"] = DefaultUserMessage
	}

	result.Items = append(result.Items, item)
}

// coerceCell interprets one CSV cell: null, booleans, numbers, JSON-ish
// objects and arrays, falling back to the raw string.
func coerceCell(cell string) interface{} {
	if strings.EqualFold(cell, "null") {
		return nil
	}
	if strings.HasPrefix(cell, "{") || strings.HasPrefix(cell, "[") {
		var v interface{}
		if err := json.Unmarshal([]byte(cell), &v); err == nil {
			return v
		}
	}
	return config.ParseScalar(cell)
}
