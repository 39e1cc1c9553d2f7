// Package results maintains the per-epoch progress log of a training run.
//
// The log is a CSV file:
//
//	epoch,train_bleu,dev_bleu
//	1,12.5,10.25
//	2,18.75,15.5
//
// A fresh run creates the file with its header; a resumed run appends rows
// to the existing file and never writes another header.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// FileName is the name of the log inside the save directory.
const FileName = "results.txt"

// Header is the first row of a log created with Create.
var Header = []string{"epoch", "train_bleu", "dev_bleu"}

// Mode selects how Open treats an existing log.
type Mode int

const (
	// Unset lets ModeFor decide.
	Unset Mode = iota
	// Create truncates the log and writes the header.
	Create
	// Append adds rows to the log as is.
	Append
)

// String returns the mode name used in configuration files.
func (m Mode) String() string {
	switch m {
	case Create:
		return "create"
	case Append:
		return "append"
	default:
		return ""
	}
}

// ParseMode parses "create", "append" or "" (Unset).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "":
		return Unset, nil
	case "create":
		return Create, nil
	case "append":
		return Append, nil
	default:
		return Unset, fmt.Errorf("unknown log mode %q (want create or append)", s)
	}
}

// ModeFor returns Create for a run starting at epoch 1 and Append for a
// resumed run.
func ModeFor(startEpoch int) Mode {
	if startEpoch <= 1 {
		return Create
	}
	return Append
}

// Row is one epoch of the log.
type Row struct {
	Epoch     int
	TrainBLEU float64
	DevBLEU   float64
}

// Log writes rows to results.txt.
type Log struct {
	path string
	file *os.File
	w    *csv.Writer
}

// Open opens dir/results.txt in the given mode. Unset is treated as Create.
func Open(dir string, mode Mode) (*Log, error) {
	path := filepath.Join(dir, FileName)

	flags := os.O_CREATE | os.O_WRONLY
	if mode == Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	//nolint:gosec // G302/G304: the log lives in the user's save directory
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results log: %w", err)
	}

	l := &Log{path: path, file: file, w: csv.NewWriter(file)}
	if mode != Append {
		if err := l.write(Header); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one row and flushes it to the file.
func (l *Log) Append(epoch int, trainBLEU, devBLEU float64) error {
	return l.write([]string{
		strconv.Itoa(epoch),
		strconv.FormatFloat(trainBLEU, 'f', -1, 64),
		strconv.FormatFloat(devBLEU, 'f', -1, 64),
	})
}

func (l *Log) write(record []string) error {
	if err := l.w.Write(record); err != nil {
		return fmt.Errorf("failed to write results row: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("failed to flush results log: %w", err)
	}
	return nil
}

// Close closes the log file.
func (l *Log) Close() error {
	return l.file.Close()
}

// Read parses a log, skipping header rows.
func Read(path string) ([]Row, error) {
	//nolint:gosec // G304: File path comes from user input
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results log: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(Header)

	var rows []Row
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		if record[0] == Header[0] {
			continue
		}

		row, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(record []string) (Row, error) {
	epoch, err := strconv.Atoi(record[0])
	if err != nil {
		return Row{}, fmt.Errorf("invalid epoch %q: %w", record[0], err)
	}
	train, err := strconv.ParseFloat(record[1], 64)
	if err != nil {
		return Row{}, fmt.Errorf("invalid train_bleu %q: %w", record[1], err)
	}
	dev, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		return Row{}, fmt.Errorf("invalid dev_bleu %q: %w", record[2], err)
	}
	return Row{Epoch: epoch, TrainBLEU: train, DevBLEU: dev}, nil
}
