package rag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const maxFrames = 10

var (
	// "TypeError: x is undefined", "java.lang.IllegalStateException: boom", "panic: runtime error".
	headlinePattern = regexp.MustCompile(`^\s*(?:Uncaught\s+)?((?:[A-Za-z_$][\w$.]*)?(?:Error|Exception|Exit|Interrupt)|panic|fatal error|error)(?:\[\w+\])?:\s*(.*)$`)
	// Python: File "/app/x.py", line 10, in handler
	pythonFrame = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+)(?:, in (\S+))?`)
	// JavaScript: at handler (/app/x.js:10:5) or at /app/x.js:10:5
	jsFrame = regexp.MustCompile(`^\s*at (?:(.+?) \()?(?:file://)?([^()\s]+?):(\d+)(?::\d+)?\)?\s*$`)
	// Go: /app/x.go:42 +0x1d, with the function on the preceding line.
	goFrame = regexp.MustCompile(`^\s+(\S+\.go):(\d+)(?:\s+\+0x[0-9a-f]+)?\s*$`)
	// Generic compiler style: path/to/file.ext:12:3
	fileLine = regexp.MustCompile(`([\w./\\-]+\.[A-Za-z]{1,5}):(\d+)(?::\d+)?`)
)

// ParseErrorSignature extracts the error type, message and stack frames from
// pasted error output. Python tracebacks report the error after the frames,
// so the last headline wins when a traceback is present.
func ParseErrorSignature(text string) ErrorSignature {
	var sig ErrorSignature
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	traceback := strings.Contains(text, "Traceback (most recent call last)")

	seen := make(map[Frame]bool)
	addFrame := func(f Frame) {
		if f.File == "" || seen[f] || len(sig.Frames) >= maxFrames {
			return
		}
		seen[f] = true
		sig.Frames = append(sig.Frames, f)
	}

	for i, line := range lines {
		if m := headlinePattern.FindStringSubmatch(line); m != nil && (sig.Type == "" || traceback) {
			sig.Type = m[1]
			sig.Message = strings.TrimSpace(m[2])
			continue
		}
		if m := pythonFrame.FindStringSubmatch(line); m != nil {
			addFrame(Frame{File: m[1], Line: atoi(m[2]), Function: m[3]})
			continue
		}
		if m := jsFrame.FindStringSubmatch(line); m != nil {
			addFrame(Frame{File: m[2], Line: atoi(m[3]), Function: m[1]})
			continue
		}
		if m := goFrame.FindStringSubmatch(line); m != nil {
			fn := ""
			if i > 0 {
				fn = goFunction(lines[i-1])
			}
			addFrame(Frame{File: m[1], Line: atoi(m[2]), Function: fn})
			continue
		}
		for _, m := range fileLine.FindAllStringSubmatch(line, -1) {
			addFrame(Frame{File: m[1], Line: atoi(m[2])})
		}
	}

	if sig.Type == "" {
		for _, line := range lines {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				sig.Message = trimmed
				break
			}
		}
	}
	return sig
}

// goFunction strips the argument list from a goroutine trace function line.
func goFunction(line string) string {
	line = strings.TrimSpace(line)
	if idx := strings.LastIndex(line, "("); idx > 0 {
		line = line[:idx]
	}
	return line
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Query renders the signature as search text for the embedding model.
func (s ErrorSignature) Query() string {
	var b strings.Builder
	switch {
	case s.Type != "" && s.Message != "":
		fmt.Fprintf(&b, "%s: %s", s.Type, s.Message)
	case s.Type != "":
		b.WriteString(s.Type)
	default:
		b.WriteString(s.Message)
	}
	for _, f := range s.Frames {
		b.WriteString("\n")
		b.WriteString(f.String())
	}
	return b.String()
}

func (f Frame) String() string {
	loc := f.File
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if f.Function != "" {
		return fmt.Sprintf("%s (%s)", loc, f.Function)
	}
	return loc
}
