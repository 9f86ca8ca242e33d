package models

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// matches ANSI escape codes (color codes, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

// WorkflowLogger writes one JSON object per line to <logDir>/<wid>.log.
type WorkflowLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	mirror  io.Writer
}

func NewWorkflowLogger(baseDir string, wid WorkflowId) (*WorkflowLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, wid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &WorkflowLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, workflowID WorkflowId) string {
	logFilePath := filepath.Join(baseDir, fmt.Sprintf("%s.log", workflowID.String()))
	return logFilePath
}

// Mirror copies the plain text of every data line to w as well.
func (l *WorkflowLogger) Mirror(w io.Writer) *WorkflowLogger {
	l.mu.Lock()
	l.mirror = w
	l.mu.Unlock()
	return l
}

func (l *WorkflowLogger) Close() error {
	return l.file.Close()
}

func (l *WorkflowLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(entry); err != nil {
		return err
	}

	if l.mirror != nil {
		switch entry.Kind {
		case LogKindData:
			fmt.Fprintf(l.mirror, "  | %s\n", entry.Content)
		case LogKindControl:
			fmt.Fprintf(l.mirror, "[%d] %s: %s\n", entry.StepId+1, entry.Content, entry.StepStatus)
		}
	}

	return nil
}

func (l *WorkflowLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

// Control records a step boundary. masked marks a failure that was allowed
// to continue.
func (l *WorkflowLogger) Control(idx int, step Step, status StepStatus, masked bool) error {
	entry := NewControlLogLine(idx, step, status)
	entry.Masked = masked
	return l.encode(entry)
}

type dataWriter struct {
	logger *WorkflowLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	clean := ansiRe.ReplaceAllString(string(p), "")
	clean = strings.TrimRight(clean, "\r\n")

	for _, line := range strings.Split(clean, "\n") {
		entry := NewDataLogLine(w.idx, strings.TrimRight(line, "\r"), w.stream)
		if err := w.logger.encode(entry); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// ReadLogLines parses a workflow log file.
func ReadLogLines(r io.Reader) ([]LogLine, error) {
	var lines []LogLine

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var line LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("parsing log line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}
