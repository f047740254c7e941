package call

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/callyx/internal/convo"
	"github.com/MrWong99/callyx/pkg/types"
)

// stampLayout formats the timestamps embedded in log and recording
// filenames.
const stampLayout = "20060102_150405"

// logRecord is the JSON document written for every call.
type logRecord struct {
	Timestamp     time.Time         `json:"timestamp"`
	Phone         string            `json:"phone"`
	Direction     string            `json:"direction"`
	Objective     string            `json:"objective"`
	Context       map[string]string `json:"context,omitempty"`
	Success       bool              `json:"success"`
	Summary       string            `json:"summary"`
	Collected     map[string]string `json:"collected_info,omitempty"`
	Transcript    []types.Turn      `json:"transcript"`
	RecordingPath string            `json:"recording_path,omitempty"`
	Duration      float64           `json:"duration_seconds"`
	Engine        string            `json:"engine"`
}

// teardown is the fixed end-of-call sequence: hang up, stop the recording,
// stop the audio stream, write the log record. Every step runs regardless
// of earlier failures. A transferred call is not hung up; the line already
// moved to the transfer target.
func (a *Agent) teardown(rec *logRecord, inbound, transferred bool) (logPath, recPath string) {
	if !transferred {
		if err := a.line.Hangup(); err != nil {
			a.log.Warn("hangup failed", "err", err)
		}
	}

	wavPath := filepath.Join(a.recDir, "call_"+rec.Timestamp.Format(stampLayout)+".wav")
	if a.recDir != "" {
		if err := os.MkdirAll(a.recDir, 0o755); err != nil {
			a.log.Warn("recording directory not created", "dir", a.recDir, "err", err)
		}
	}
	recPath, err := a.audio.StopRecording(wavPath)
	if err != nil {
		a.log.Warn("recording not saved", "err", err)
		recPath = ""
	}
	rec.RecordingPath = recPath

	if err := a.audio.Stop(); err != nil {
		a.log.Warn("audio stop failed", "err", err)
	}

	logPath, err = writeLog(a.logDir, *rec, inbound)
	if err != nil {
		a.log.Error("call log not written", "err", err)
		logPath = ""
	}
	return logPath, recPath
}

// writeLog writes one JSON record file to dir and returns its path. The
// filename carries the call's start stamp; inbound records use the
// incoming_ prefix.
func writeLog(dir string, rec logRecord, inbound bool) (string, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("call: create log dir: %w", err)
		}
	}
	prefix := "log_"
	if inbound {
		prefix = "incoming_"
	}
	path := filepath.Join(dir, prefix+rec.Timestamp.Format(stampLayout)+".json")
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("call: encode log record: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("call: write log record: %w", err)
	}
	return path, nil
}

// summarize produces the one-line description stored in the log record and
// sent in owner SMS notifications.
func summarize(o *convo.Outcome, runErr error) string {
	if runErr != nil && len(o.Transcript) == 0 {
		return fmt.Sprintf("call failed: %v", runErr)
	}
	var b strings.Builder
	switch {
	case runErr != nil:
		fmt.Fprintf(&b, "call ended with an error: %v", runErr)
	case o.State == convo.StateCompleted && o.TimedOut:
		b.WriteString("reached the time limit")
	case o.State == convo.StateCompleted:
		b.WriteString("completed")
	case o.State == convo.StateTransferring:
		fmt.Fprintf(&b, "transferred to %s", o.TransferTo.Display())
	default:
		b.WriteString("line dropped")
	}
	fmt.Fprintf(&b, " after %d turns", len(o.Transcript))
	if len(o.Collected) > 0 {
		keys := slices.Sorted(maps.Keys(o.Collected))
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+" "+o.Collected[k])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

// placeholderRe matches {NAME}-style substitution slots in persona and
// greeting strings.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// expand substitutes placeholders from vars, trying the key verbatim and
// then lowercased so {NAME} finds lead fields stored as "name". Unknown
// placeholders stay in place, so a typo shows up in the greeting instead of
// silently vanishing.
func expand(s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		if v, ok := vars[strings.ToLower(key)]; ok {
			return v
		}
		return m
	})
}
