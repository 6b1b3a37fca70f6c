package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/clickatell/clickybot/internal/log"
)

// ErrIngest wraps failures while recording or replaying agent feedback.
var ErrIngest = errors.New("feedback ingest failed")

// Record is one reviewed exchange. Answer is the generated text the
// reviewer saw; Correction is their replacement, empty when they accepted
// the answer as-is.
type Record struct {
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Correction string `json:"correction,omitempty"`
}

// HasCorrection reports whether the reviewer actually changed the answer.
// A correction identical to the original answer counts as an acceptance.
func (r Record) HasCorrection() bool {
	return r.Correction != "" && r.Correction != r.Answer
}

// Passage renders the record as a retrievable text passage. Only corrected
// records become passages; accepted answers stay in the log for audit but
// add nothing the corpus does not already say.
func (r Record) Passage() string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(r.Question)
	b.WriteString("\nOriginal answer: ")
	b.WriteString(r.Answer)
	b.WriteString("\nCorrected answer: ")
	b.WriteString(r.Correction)
	return b.String()
}

// lockRetryInterval is how often a blocked feedback append re-polls the
// file lock.
const lockRetryInterval = 50 * time.Millisecond

// FeedbackLog is an append-only JSONL file of reviewed exchanges, one JSON
// object per line. Appends take an OS file lock so concurrent processes
// never interleave partial lines.
type FeedbackLog struct {
	path   string
	logger log.Logger
}

func NewFeedbackLog(path string, logger log.Logger) *FeedbackLog {
	if logger == nil {
		logger = log.NewNop()
	}
	return &FeedbackLog{path: path, logger: logger}
}

// Path returns the log file location.
func (fl *FeedbackLog) Path() string { return fl.path }

// Append durably writes one record to the end of the log.
func (fl *FeedbackLog) Append(ctx context.Context, rec Record) error {
	if rec.Question == "" {
		return fmt.Errorf("%w: record has no question", ErrIngest)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record: %v", ErrIngest, err)
	}

	lock := flock.New(fl.path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("%w: locking %s: %v", ErrIngest, fl.path, err)
	}
	if !locked {
		return fmt.Errorf("%w: could not lock %s", ErrIngest, fl.path)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(fl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrIngest, fl.path, err)
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrIngest, fl.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: syncing %s: %v", ErrIngest, fl.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIngest, fl.path, err)
	}
	return nil
}

// Read returns every parseable record in log order. Unparseable lines are
// skipped with a warning; legacy logs written as comma-joined pretty JSON
// degrade to nothing rather than aborting a bootstrap.
func (fl *FeedbackLog) Read() ([]Record, error) {
	f, err := os.Open(fl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIngest, fl.path, err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Question == "" {
			fl.logger.Warn("skipping unparseable feedback line",
				"path", fl.path, "line", lineNo)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrIngest, fl.path, err)
	}
	return records, nil
}
