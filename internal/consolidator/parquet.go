package consolidator

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const parquetWriters = 4

// column types, narrowest first
const (
	typBoolean = iota
	typInt64
	typDouble
	typString
)

// writeParquet mirrors a consolidated CSV as Parquet. Column types are inferred
// from every row: the narrowest of BOOLEAN, INT64, DOUBLE that all non-blank
// values parse as, UTF8 otherwise. Blank cells become nulls in typed columns.
func writeParquet(csvPath, parquetPath string) (err error) {
	header, types, err := inferColumns(csvPath)
	if err != nil {
		return err
	}
	if header == nil {
		return nil
	}

	tmp := parquetPath + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	pw, err := writer.NewCSVWriter(schemaMeta(header, types), fw, parquetWriters)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create writer %s: %w", parquetPath, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	in, err := os.Open(csvPath)
	if err != nil {
		fw.Close()
		return fmt.Errorf("open %s: %w", csvPath, err)
	}
	defer in.Close()
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		fw.Close()
		return fmt.Errorf("read header of %s: %w", csvPath, err)
	}

	var writeErr error
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeErr = fmt.Errorf("read %s: %w", csvPath, err)
			break
		}
		if err := pw.WriteString(rowPointers(rec, types)); err != nil {
			writeErr = fmt.Errorf("write row: %w", err)
			break
		}
	}
	stopErr := pw.WriteStop()
	closeErr := fw.Close()
	if err := errors.Join(writeErr, stopErr, closeErr); err != nil {
		return err
	}
	return os.Rename(tmp, parquetPath)
}

func inferColumns(csvPath string) ([]string, []int, error) {
	in, err := os.Open(csvPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", csvPath, err)
	}
	defer in.Close()

	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header of %s: %w", csvPath, err)
	}
	header = append([]string(nil), header...)

	types := make([]int, len(header))
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return header, types, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", csvPath, err)
		}
		for i := range types {
			if i >= len(rec) || rec[i] == "" {
				continue
			}
			types[i] = max(types[i], valueType(rec[i]))
		}
	}
}

func valueType(v string) int {
	if strings.EqualFold(v, "true") || strings.EqualFold(v, "false") {
		return typBoolean
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return typInt64
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return typDouble
	}
	return typString
}

func schemaMeta(header []string, types []int) []string {
	meta := make([]string, len(header))
	seen := make(map[string]int)
	for i, h := range header {
		name := columnName(h, i)
		if n := seen[name]; n > 0 {
			seen[name]++
			name = fmt.Sprintf("%s_%d", name, n)
		} else {
			seen[name] = 1
		}
		switch types[i] {
		case typBoolean:
			meta[i] = fmt.Sprintf("name=%s, type=BOOLEAN, repetitiontype=OPTIONAL", name)
		case typInt64:
			meta[i] = fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", name)
		case typDouble:
			meta[i] = fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", name)
		default:
			meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", name)
		}
	}
	return meta
}

// columnName keeps letters, digits and underscores; the schema tag syntax has no escaping.
func columnName(h string, i int) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(h) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		return fmt.Sprintf("column_%d", i)
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "c_" + name
	}
	return name
}

func rowPointers(rec []string, types []int) []*string {
	ptrs := make([]*string, len(types))
	for i := range types {
		if i >= len(rec) {
			continue
		}
		if rec[i] == "" && types[i] != typString {
			continue
		}
		v := rec[i]
		if types[i] == typBoolean {
			v = strings.ToLower(v)
		}
		ptrs[i] = &v
	}
	return ptrs
}
