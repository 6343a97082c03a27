package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/controller"
)

// maxLine bounds one JSONL record.
const maxLine = 1 << 20

// ErrDecode marks a line or message that is not a feedback record.
var ErrDecode = errors.New("decode feedback")

// #region envelope
// Envelope is one feedback record on the wire. At is optional and only
// used by replay to pace ticks.
type Envelope struct {
	controller.FeedbackRecord
	At time.Time `json:"at,omitzero"`
}

// Decode parses one JSON feedback document.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return env, nil
}

// #endregion envelope

// #region jsonl
// Stats counts what a JSONL read saw.
type Stats struct {
	Lines   int
	Decoded int
	Skipped int
}

// ReadJSONL decodes one envelope per line and hands each to fn in order.
// Blank lines are ignored; undecodable lines are logged and skipped. An
// error from fn stops the read and is returned.
func ReadJSONL(ctx context.Context, r io.Reader, logger *slog.Logger, fn func(Envelope) error) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var st Stats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Lines++
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		env, err := Decode(line)
		if err != nil {
			st.Skipped++
			logger.Warn("Skipping feedback line", slog.Int("line", st.Lines), slog.String("error", err.Error()))
			continue
		}
		st.Decoded++
		if err := fn(env); err != nil {
			return st, err
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read feedback: %w", err)
	}
	return st, nil
}

// ReadFile is ReadJSONL over a file.
func ReadFile(ctx context.Context, path string, logger *slog.Logger, fn func(Envelope) error) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open feedback %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSONL(ctx, f, logger, fn)
}

// WriteJSONL writes envs one per line.
func WriteJSONL(w io.Writer, envs []Envelope) error {
	enc := json.NewEncoder(w)
	for _, e := range envs {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode feedback: %w", err)
		}
	}
	return nil
}

// #endregion jsonl
