// Package certimport 解析批量颁证的表格文件（CSV / XLSX）
package certimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"opencourse_backend/internal/util"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xuri/excelize/v2"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported import file format")
	ErrMissingColumn     = errors.New("missing required column")
	ErrNoRows            = errors.New("import file has no data rows")
)

const (
	colName = "name"
	colID   = "id"
	colDate = "date"
)

// 表头别名，比较前统一小写并去掉空格、下划线和连字符
var headerAliases = map[string]string{
	"studentname":    colName,
	"name":           colName,
	"fullname":       colName,
	"studentid":      colID,
	"id":             colID,
	"completiondate": colDate,
	"date":           colDate,
	"completedat":    colDate,
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"01/02/2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// 9999-12-31 对应的 Excel 序列号
const maxExcelSerial = 2958466

var validate = validator.New()

// Row 一条待颁发的证书记录，Line 为源文件中的行号（表头为第 1 行）
type Row struct {
	Line           int       `json:"line"`
	StudentName    string    `json:"studentName" validate:"required,max=100"`
	StudentID      string    `json:"studentId,omitempty" validate:"omitempty,max=32,printascii"`
	CompletionDate time.Time `json:"completionDate" validate:"required"`
}

// RowError 无法解析或校验失败的行
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Result 解析结果，坏行不会中断整个文件的解析
type Result struct {
	Rows   []Row      `json:"rows"`
	Errors []RowError `json:"errors,omitempty"`
}

// Parse 按扩展名选择解析器
func Parse(filename string, r io.Reader) (*Result, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case util.ImportCSV:
		return ParseCSV(r)
	case util.ImportXLSX:
		return ParseXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

func ParseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return parseRecords(records)
}

// ParseXLSX 读取第一个工作表
func ParseXLSX(r io.Reader) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoRows
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return parseRecords(records)
}

func parseRecords(records [][]string) (*Result, error) {
	if len(records) < 2 {
		return nil, ErrNoRows
	}

	index := headerIndex(records[0])
	if _, ok := index[colName]; !ok {
		return nil, fmt.Errorf("%w: studentName", ErrMissingColumn)
	}
	if _, ok := index[colDate]; !ok {
		return nil, fmt.Errorf("%w: completionDate", ErrMissingColumn)
	}

	res := &Result{}
	for i, record := range records[1:] {
		line := i + 2
		if blank(record) {
			continue
		}

		row := Row{
			Line:        line,
			StudentName: field(record, index, colName),
			StudentID:   field(record, index, colID),
		}

		raw := field(record, index, colDate)
		date, err := ParseDate(raw)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Line: line, Reason: err.Error()})
			continue
		}
		row.CompletionDate = date

		if err := validate.Struct(row); err != nil {
			res.Errors = append(res.Errors, RowError{Line: line, Reason: describe(err)})
			continue
		}
		res.Rows = append(res.Rows, row)
	}

	if len(res.Rows) == 0 && len(res.Errors) == 0 {
		return nil, ErrNoRows
	}
	return res, nil
}

// ParseDate 支持常见日期格式以及 Excel 序列号日期
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("completion date is empty")
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < maxExcelSerial {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid completion date %q", s)
}

func headerIndex(header []string) map[string]int {
	index := make(map[string]int)
	for i, h := range header {
		key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(h)))
		// 去掉 UTF-8 BOM
		key = strings.TrimPrefix(key, "\ufeff")
		if col, ok := headerAliases[key]; ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}
	return index
}

func field(record []string, index map[string]int, col string) string {
	i, ok := index[col]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
