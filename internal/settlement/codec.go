package settlement

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/manabi-erp/manabi/internal/shared"
)

// categoryFlag is the fixed transfer category written on every export record.
const categoryFlag = "1"

// resultColumns is the minimum width of a result-file row.
const resultColumns = 11

func textEncoding(enc Encoding) encoding.Encoding {
	switch Encoding(strings.ToLower(string(enc))) {
	case EncodingShiftJIS, "sjis", "cp932":
		return japanese.ShiftJIS
	case EncodingEUCJP, "eucjp":
		return japanese.EUCJP
	default:
		return nil
	}
}

// EncodeText converts UTF-8 text to enc, replacing characters the target cannot
// represent instead of failing.
func EncodeText(text string, enc Encoding) ([]byte, error) {
	e := textEncoding(enc)
	if e == nil {
		return []byte(text), nil
	}
	out, _, err := transform.String(encoding.ReplaceUnsupported(e.NewEncoder()), text)
	if err != nil {
		return nil, fmt.Errorf("settlement: encode %s: %w", enc, err)
	}
	return []byte(out), nil
}

// DecodeText converts data from enc to UTF-8. When decoding fails or yields replacement
// characters while the input is already valid UTF-8, the input is used as is.
func DecodeText(data []byte, enc Encoding) string {
	e := textEncoding(enc)
	if e == nil {
		return string(data)
	}
	out, _, err := transform.Bytes(e.NewDecoder(), data)
	if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
		if utf8.Valid(data) {
			return string(data)
		}
		if err != nil {
			return strings.ToValidUTF8(string(data), string(utf8.RuneError))
		}
	}
	return string(out)
}

// exportRecord renders one line in the fixed export column order.
func exportRecord(consignor string, month shared.BillingMonth, l Line) []string {
	return []string{
		consignor,
		month.Key(),
		l.BankCode,
		l.BranchCode,
		l.AccountType,
		l.AccountNumber,
		l.HolderKana,
		strconv.FormatInt(l.Amount, 10),
		categoryFlag,
		l.CustomerCode,
	}
}

// writeQuoted writes records with every field quoted and CRLF line endings.
func writeQuoted(w io.Writer, records [][]string) error {
	var buf bytes.Buffer
	for _, rec := range records {
		for i, field := range rec {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(field, `"`, `""`))
			buf.WriteByte('"')
		}
		buf.WriteString("\r\n")
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// resultRow is a parsed result-file record.
type resultRow struct {
	Row           int
	BankCode      string
	BranchCode    string
	AccountNumber string
	Amount        int64
	CustomerCode  string
	ResultCode    string
}

// parseResultRows reads every record; malformed rows become RowErrors and never stop
// the pass.
func parseResultRows(text string) ([]resultRow, []RowError) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows []resultRow
	var rowErrs []RowError
	for n := 1; ; n++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: n, Reason: err.Error()})
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < resultColumns {
			rowErrs = append(rowErrs, RowError{Row: n, Reason: fmt.Sprintf("expected %d columns, got %d", resultColumns, len(rec))})
			continue
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(rec[7]), 10, 64)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: n, Reason: fmt.Sprintf("invalid amount %q", rec[7])})
			continue
		}
		rows = append(rows, resultRow{
			Row:           n,
			BankCode:      zeroPad(strings.TrimSpace(rec[2]), 4),
			BranchCode:    zeroPad(strings.TrimSpace(rec[3]), 3),
			AccountNumber: zeroPad(strings.TrimSpace(rec[5]), 7),
			Amount:        amount,
			CustomerCode:  strings.TrimSpace(rec[9]),
			ResultCode:    strings.TrimSpace(rec[10]),
		})
	}
	return rows, rowErrs
}
