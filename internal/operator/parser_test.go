package operator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCommandBuild(t *testing.T) {
	cmd, ok := parseCommand("BUILD 3\n./ctx\nDockerfile.alt")
	if !ok {
		t.Fatal("expected ok")
	}
	if cmd.Type != "BUILD" || cmd.ImageHandle != 3 || cmd.Context != "./ctx" || cmd.Dockerfile != "Dockerfile.alt" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

// TestParseCommandRunS2Literal feeds spec.md §8 scenario S2's RUN frame
// verbatim: every sub-keyword on its own line, VOLUME's two paths and
// WRITE's tail as whole lines of their own, never a token glued onto the
// line that named the sub-keyword.
func TestParseCommandRunS2Literal(t *testing.T) {
	data := "RUN 7 0\nSTDOUT normal\nSTDERR onEnd\nVOLUME\n/vol\n/v\nENV X 1\nNETWORK net_a"

	cmd, ok := parseCommand(data)
	if !ok {
		t.Fatal("expected ok")
	}
	if cmd.ContainerHandle != 7 || cmd.ImageHandle != 0 {
		t.Fatalf("unexpected handles: %+v", cmd)
	}
	if cmd.StdoutMode != "normal" || cmd.StderrMode != "onEnd" {
		t.Fatalf("unexpected modes: %+v", cmd)
	}
	wantVolumes := []volumeSpec{{Host: "/vol", Container: "/v"}}
	if diff := cmp.Diff(wantVolumes, cmd.Volumes); diff != "" {
		t.Fatalf("volumes mismatch (-want +got):\n%s", diff)
	}
	if cmd.Env["X"] != "1" {
		t.Fatalf("got env X=%q, want %q", cmd.Env["X"], "1")
	}
	if len(cmd.Networks) != 1 || cmd.Networks[0] != "net_a" {
		t.Fatalf("got networks %+v", cmd.Networks)
	}
}

func TestParseCommandRunDefaultsModesWhenOmitted(t *testing.T) {
	data := "RUN 1 0\nVOLUME\n/host\n/container\nENV KEY value"

	cmd, ok := parseCommand(data)
	if !ok {
		t.Fatal("expected ok")
	}
	if cmd.StdoutMode != "normal" || cmd.StderrMode != "onEnd" {
		t.Fatalf("unexpected default modes: %+v", cmd)
	}
	if len(cmd.Volumes) != 1 || cmd.Volumes[0].Host != "/host" || cmd.Volumes[0].Container != "/container" {
		t.Fatalf("unexpected volumes: %+v", cmd.Volumes)
	}
	if cmd.Env["KEY"] != "value" {
		t.Fatalf("got env KEY=%q, want %q", cmd.Env["KEY"], "value")
	}
}

func TestParseCommandRunEnvValueMayContainSpaces(t *testing.T) {
	data := "RUN 1 0\nENV KEY multi word value"

	cmd, ok := parseCommand(data)
	if !ok {
		t.Fatal("expected ok")
	}
	if cmd.Env["KEY"] != "multi word value" {
		t.Fatalf("got env KEY=%q", cmd.Env["KEY"])
	}
}

func TestParseCommandRunWriteConsumesRemainder(t *testing.T) {
	data := "RUN 1 0\nWRITE\nline one\nline two\nline three"
	cmd, ok := parseCommand(data)
	if !ok {
		t.Fatal("expected ok")
	}
	want := "line one\nline two\nline three"
	if cmd.InitStdin != want {
		t.Fatalf("got InitStdin %q, want %q", cmd.InitStdin, want)
	}
}

func TestParseCommandStopIdempotentShape(t *testing.T) {
	cmd, ok := parseCommand("STOP 42")
	if !ok {
		t.Fatal("expected ok")
	}
	if cmd.Type != "STOP" || cmd.ContainerHandle != 42 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseCommandWriteConsumesAllRemainingBytesVerbatim(t *testing.T) {
	data := "WRITE 7\nabc\n\ndef\n"
	cmd, ok := parseCommand(data)
	if !ok {
		t.Fatal("expected ok")
	}
	want := "abc\n\ndef\n"
	if cmd.WriteData != want {
		t.Fatalf("got WriteData %q, want %q", cmd.WriteData, want)
	}
}

func TestParseCommandVerdictWithSubtaskAndData(t *testing.T) {
	cmd, ok := parseCommand("VERDICT AC SUB part1 DATA\nsome output")
	if !ok {
		t.Fatal("expected ok")
	}
	if cmd.Verdict != "AC" || !cmd.HasSubtask || cmd.Subtask != "part1" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.VerdictData != "some output" {
		t.Fatalf("got data %q", cmd.VerdictData)
	}
}

func TestParseCommandVerdictWithoutSubtask(t *testing.T) {
	cmd, ok := parseCommand("VERDICT WA")
	if !ok {
		t.Fatal("expected ok")
	}
	if cmd.HasSubtask {
		t.Fatalf("expected no subtask, got %+v", cmd)
	}
	if cmd.VerdictData != "" {
		t.Fatalf("expected no data, got %q", cmd.VerdictData)
	}
}

func TestParseCommandRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"RUN",
		"RUN abc 1",
		"BUILD",
		"UNKNOWN 1 2 3",
	}
	for _, c := range cases {
		if _, ok := parseCommand(c); ok {
			t.Fatalf("expected parseCommand(%q) to fail", c)
		}
	}
}

func TestParseCommandHostAndPort(t *testing.T) {
	host, ok := parseCommand("HOST 9")
	if !ok || host.ContainerHandle != 9 {
		t.Fatalf("unexpected HOST command: %+v ok=%v", host, ok)
	}
	port, ok := parseCommand("PORT 9\n8080")
	if !ok || port.ContainerHandle != 9 || port.Port != 8080 {
		t.Fatalf("unexpected PORT command: %+v ok=%v", port, ok)
	}
}
