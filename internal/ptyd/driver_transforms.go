package ptyd

import (
	"os"
	"os/exec"
	"strings"
)

func osEnviron() []string {
	return append([]string{}, os.Environ()...)
}

// lineJoiningDriver joins multi-line bodies into one line before submit,
// since some wrapped CLIs do not accept multi-line paste reliably (spec
// §4.2.2). Joining is lossy whenever the body actually had more than one
// line.
type lineJoiningDriver struct{}

func (lineJoiningDriver) BuildCommand(template []string, env map[string]string, workDir string) (*exec.Cmd, error) {
	return buildCommand(template, env, workDir)
}

func (lineJoiningDriver) Cleanup(*Pane) {}

func (lineJoiningDriver) SubmitTransform(body string) (string, bool) {
	lines := strings.Split(body, "\n")
	if len(lines) <= 1 {
		return body, false
	}
	return strings.Join(lines, " "), true
}

// dashEscapingDriver escapes leading "-" on any line so the wrapped CLI's
// line editor does not mistake pasted content for a flag (spec §4.2.2).
type dashEscapingDriver struct{}

func (dashEscapingDriver) BuildCommand(template []string, env map[string]string, workDir string) (*exec.Cmd, error) {
	return buildCommand(template, env, workDir)
}

func (dashEscapingDriver) Cleanup(*Pane) {}

func (dashEscapingDriver) SubmitTransform(body string) (string, bool) {
	lines := strings.Split(body, "\n")
	lossy := false
	for i, line := range lines {
		if strings.HasPrefix(line, "-") {
			lines[i] = "\\" + line
			lossy = true
		}
	}
	return strings.Join(lines, "\n"), lossy
}
