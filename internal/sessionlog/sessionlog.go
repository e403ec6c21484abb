// Package sessionlog saves the frame events a node reports (sent or
// received) to a daily-named CSV file, adapted from the teacher's log_write: instead
// of APRS packet fields, each row is one Athernet frame's wire-level
// summary. The file name is generated from a strftime pattern rather
// than a hardcoded layout, so an operator can choose their own rotation
// granularity in config.
package sessionlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
)

var header = []string{"utime", "isotime", "direction", "src", "dest", "opcode", "tag", "length", "retries", "ok"}

// Direction distinguishes a sent frame from a received one in a row.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "recv"
)

// Entry is one frame-level event to append to the log.
type Entry struct {
	Time      time.Time
	Direction Direction
	Src, Dest byte
	Opcode    string
	Tag       byte
	Length    int
	Retries   int
	OK        bool
}

// Log writes Entry rows to a daily-rotated CSV file under dir, named by
// pattern (a strftime layout, e.g. "athernet-%Y%m%d.csv"). It is safe
// for concurrent use; callers normally have one goroutine per direction
// writing through it.
type Log struct {
	mu       sync.Mutex
	dir      string
	namer    *strftime.Strftime
	file     *os.File
	openName string
}

// Open prepares a Log rooted at dir. dir is created if it does not
// already exist. No file is opened until the first Write.
func Open(dir, pattern string) (*Log, error) {
	var namer, err = strftime.New(pattern)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: bad pattern %q: %w", pattern, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionlog: mkdir %s: %w", dir, err)
	}
	return &Log{dir: dir, namer: namer}, nil
}

// Write appends e as one CSV row, rotating to a new day's file if the
// strftime-rendered name has changed since the last write.
func (l *Log) Write(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var name = l.namer.FormatString(e.Time)
	if l.file != nil && name != l.openName {
		l.closeLocked()
	}
	if l.file == nil {
		if err := l.openLocked(name); err != nil {
			return err
		}
	}

	var w = csv.NewWriter(l.file)
	var row = []string{
		strconv.FormatInt(e.Time.Unix(), 10),
		e.Time.UTC().Format(time.RFC3339),
		string(e.Direction),
		strconv.Itoa(int(e.Src)),
		strconv.Itoa(int(e.Dest)),
		e.Opcode,
		strconv.Itoa(int(e.Tag)),
		strconv.Itoa(e.Length),
		strconv.Itoa(e.Retries),
		strconv.FormatBool(e.OK),
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("sessionlog: write row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func (l *Log) openLocked(name string) error {
	var full = filepath.Join(l.dir, name)
	var _, statErr = os.Stat(full)
	var alreadyThere = statErr == nil

	var f, err = os.OpenFile(full, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("sessionlog: open %s: %w", full, err)
	}
	l.file = f
	l.openName = name

	if !alreadyThere {
		var w = csv.NewWriter(l.file)
		if err := w.Write(header); err != nil {
			return fmt.Errorf("sessionlog: write header: %w", err)
		}
		w.Flush()
	}
	return nil
}

func (l *Log) closeLocked() {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
		l.openName = ""
	}
}

// Close closes the currently open file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
	return nil
}
