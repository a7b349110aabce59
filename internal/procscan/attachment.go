package procscan

import (
	"fmt"
	"strings"

	"github.com/muxherd/muxherd/internal/model"
)

// ParseAttachment extracts the affinity claim from an attach process's
// command line. The grammar: the argv carries `--session <id>` and
// `--server <url>`, each also accepted in `--flag=value` form. Both
// flags are required for a claim; a command line with neither is not an
// attach process (ErrNoAffinity), one with a partial or valueless claim
// is malformed (ErrBadAffinity). Classification of the claim happens
// elsewhere; this only parses.
func ParseAttachment(pid int, cmdline string) (model.Attachment, error) {
	fields := strings.Fields(cmdline)
	var sessionID, serverURL string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "--session" || f == "--server":
			if i+1 >= len(fields) || strings.HasPrefix(fields[i+1], "--") {
				return model.Attachment{}, fmt.Errorf("pid %d: %s without value: %w", pid, f, model.ErrBadAffinity)
			}
			i++
			if f == "--session" {
				sessionID = fields[i]
			} else {
				serverURL = fields[i]
			}
		case strings.HasPrefix(f, "--session="):
			sessionID = strings.TrimPrefix(f, "--session=")
			if sessionID == "" {
				return model.Attachment{}, fmt.Errorf("pid %d: empty --session: %w", pid, model.ErrBadAffinity)
			}
		case strings.HasPrefix(f, "--server="):
			serverURL = strings.TrimPrefix(f, "--server=")
			if serverURL == "" {
				return model.Attachment{}, fmt.Errorf("pid %d: empty --server: %w", pid, model.ErrBadAffinity)
			}
		}
	}
	if sessionID == "" && serverURL == "" {
		return model.Attachment{}, fmt.Errorf("pid %d: %w", pid, model.ErrNoAffinity)
	}
	if sessionID == "" || serverURL == "" {
		return model.Attachment{}, fmt.Errorf("pid %d: partial claim (session %q, server %q): %w",
			pid, sessionID, serverURL, model.ErrBadAffinity)
	}
	return model.Attachment{PID: pid, SessionID: sessionID, ServerURL: serverURL}, nil
}
