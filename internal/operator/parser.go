package operator

import (
	"strconv"
	"strings"
)

// command is a decoded line-oriented operator request, as described in
// spec.md §4.D. Exactly one of its typed fields is populated, selected by
// Type.
type command struct {
	Type string

	// BUILD
	ImageHandle int
	Context     string
	Dockerfile  string

	// RUN / RESTART / STOP / WRITE / HOST / PORT share ContainerHandle
	ContainerHandle int

	StdoutMode string
	StderrMode string
	Networks   []string
	Volumes    []volumeSpec
	Env        map[string]string
	InitStdin  string

	WriteData string

	Port int

	Verdict    string
	Subtask    string
	HasSubtask bool
	VerdictData string
}

type volumeSpec struct {
	Host      string
	Container string
}

// parseCommand decodes one frame's text payload. The first line carries the
// command and its fixed positional arguments; for RUN, everything after the
// first line is a sequence of body lines, each beginning with its own
// sub-keyword (STDOUT/STDERR/VOLUME/ENV/NETWORK/WRITE) per spec.md §4.D —
// VOLUME's two paths and WRITE's tail are themselves whole lines, never a
// token glued onto the line that named the sub-keyword.
func parseCommand(data string) (*command, bool) {
	if data == "" {
		return nil, false
	}
	lines := splitLines(data)
	firstLine := splitSpaces(lines[0])
	if len(firstLine) < 1 {
		return nil, false
	}
	typ := firstLine[0]
	lineIdx := 1

	switch typ {
	case "BUILD":
		if len(firstLine) < 2 {
			return nil, false
		}
		handle, err := strconv.Atoi(firstLine[1])
		if err != nil {
			return nil, false
		}
		ctx := lineAt(lines, lineIdx)
		lineIdx++
		dockerfile := lineAt(lines, lineIdx)
		return &command{Type: typ, ImageHandle: handle, Context: ctx, Dockerfile: dockerfile}, true

	case "RUN":
		if len(firstLine) < 3 {
			return nil, false
		}
		id, err := strconv.Atoi(firstLine[1])
		if err != nil {
			return nil, false
		}
		imageHandle, err := strconv.Atoi(firstLine[2])
		if err != nil {
			return nil, false
		}
		cmd := &command{
			Type:            typ,
			ContainerHandle: id,
			ImageHandle:     imageHandle,
			StdoutMode:      "normal",
			StderrMode:      "onEnd",
			Env:             make(map[string]string),
		}
		for lineIdx < len(lines) {
			fields := splitSpaces(lines[lineIdx])
			if len(fields) == 0 {
				lineIdx++
				continue
			}
			switch fields[0] {
			case "STDOUT":
				if len(fields) < 2 {
					return nil, false
				}
				cmd.StdoutMode = fields[1]
				lineIdx++
			case "STDERR":
				if len(fields) < 2 {
					return nil, false
				}
				cmd.StderrMode = fields[1]
				lineIdx++
			case "VOLUME":
				lineIdx++
				if lineIdx >= len(lines) {
					return nil, false
				}
				host := lines[lineIdx]
				lineIdx++
				if lineIdx >= len(lines) {
					return nil, false
				}
				container := lines[lineIdx]
				lineIdx++
				cmd.Volumes = append(cmd.Volumes, volumeSpec{Host: host, Container: container})
			case "ENV":
				if len(fields) < 3 {
					return nil, false
				}
				cmd.Env[fields[1]] = strings.Join(fields[2:], " ")
				lineIdx++
			case "NETWORK":
				if len(fields) < 2 {
					return nil, false
				}
				cmd.Networks = append(cmd.Networks, fields[1])
				lineIdx++
			case "WRITE":
				// WRITE must be the last sub-block: everything after this
				// line, to the end of the frame, is stdin verbatim.
				cmd.InitStdin = joinLines(lines[lineIdx+1:])
				lineIdx = len(lines)
			default:
				// Unrecognized sub-keyword: ignored, matching the original
				// client's behavior of logging and continuing.
				lineIdx++
			}
		}
		return cmd, true

	case "RESTART", "STOP":
		if len(firstLine) < 2 {
			return nil, false
		}
		handle, err := strconv.Atoi(firstLine[1])
		if err != nil {
			return nil, false
		}
		return &command{Type: typ, ContainerHandle: handle}, true

	case "WRITE":
		if len(firstLine) < 2 {
			return nil, false
		}
		handle, err := strconv.Atoi(firstLine[1])
		if err != nil {
			return nil, false
		}
		return &command{Type: typ, ContainerHandle: handle, WriteData: joinLines(lines[1:])}, true

	case "HOST":
		if len(firstLine) < 2 {
			return nil, false
		}
		handle, err := strconv.Atoi(firstLine[1])
		if err != nil {
			return nil, false
		}
		return &command{Type: typ, ContainerHandle: handle}, true

	case "PORT":
		if len(firstLine) < 2 {
			return nil, false
		}
		handle, err := strconv.Atoi(firstLine[1])
		if err != nil {
			return nil, false
		}
		if lineIdx >= len(lines) {
			return nil, false
		}
		port, err := strconv.Atoi(lines[lineIdx])
		if err != nil {
			return nil, false
		}
		return &command{Type: typ, ContainerHandle: handle, Port: port}, true

	case "VERDICT":
		if len(firstLine) < 2 {
			return nil, false
		}
		cmd := &command{Type: typ, Verdict: firstLine[1]}
		subIdx := 2
		if subIdx < len(firstLine) && firstLine[subIdx] == "SUB" {
			subIdx++
			if subIdx >= len(firstLine) {
				return nil, false
			}
			cmd.Subtask = firstLine[subIdx]
			cmd.HasSubtask = true
			subIdx++
		}
		if subIdx < len(firstLine) && firstLine[subIdx] == "DATA" {
			cmd.VerdictData = joinLines(lines[1:])
		}
		return cmd, true

	default:
		return nil, false
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func splitSpaces(s string) []string {
	var fields []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func lineAt(lines []string, idx int) string {
	if idx < 0 || idx >= len(lines) {
		return ""
	}
	return lines[idx]
}
