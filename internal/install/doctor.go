package install

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type DoctorOptions struct {
	HomeDir    string
	BinDir     string
	TmuxConf   string
	ConfigPath string
	ServerURL  string
	SocketPath string
	// Client overrides the controller probe transport in tests.
	Client *http.Client
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Doctor reports whether this machine can run the herder. Missing
// install artifacts and an idle daemon are warnings; a missing tmux
// binary is a hard failure.
func Doctor(opts DoctorOptions) (DoctorResult, error) {
	normalized, err := normalizeOptions(Options{
		HomeDir:    opts.HomeDir,
		BinDir:     opts.BinDir,
		TmuxConf:   opts.TmuxConf,
		ConfigPath: opts.ConfigPath,
	})
	if err != nil {
		return DoctorResult{}, err
	}

	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkTmuxBinary())
	add(checkWrapperScript(filepath.Join(normalized.BinDir, WrapperName)))
	add(checkTmuxConfBlock(normalized.TmuxConf))
	add(checkConfigFile(normalized.ConfigPath))
	add(checkControllerHealth(opts.ServerURL, opts.Client))
	add(checkDaemonSocket(opts.SocketPath))

	return out, nil
}

func checkTmuxBinary() DoctorCheck {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return DoctorCheck{Name: "tmux_binary", Status: "fail", Message: "tmux not found on PATH"}
	}
	return DoctorCheck{Name: "tmux_binary", Status: "pass", Message: "found", Path: path}
}

func checkWrapperScript(path string) DoctorCheck {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "attach_wrapper", Status: "warn", Message: "not installed (run muxherd install)", Path: path}
		}
		return DoctorCheck{Name: "attach_wrapper", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.Mode()&0o111 == 0 {
		return DoctorCheck{Name: "attach_wrapper", Status: "fail", Message: "not executable", Path: path}
	}
	return DoctorCheck{Name: "attach_wrapper", Status: "pass", Message: "installed", Path: path}
}

func checkTmuxConfBlock(path string) DoctorCheck {
	raw, err := readOptional(path)
	if err != nil {
		return DoctorCheck{Name: "tmux_conf", Status: "fail", Message: err.Error(), Path: path}
	}
	if !strings.Contains(string(raw), tmuxBlockBegin) {
		return DoctorCheck{Name: "tmux_conf", Status: "warn", Message: "managed block missing (run muxherd install)", Path: path}
	}
	return DoctorCheck{Name: "tmux_conf", Status: "pass", Message: "managed block present", Path: path}
}

func checkConfigFile(path string) DoctorCheck {
	raw, err := readOptional(path)
	if err != nil {
		return DoctorCheck{Name: "config_file", Status: "fail", Message: err.Error(), Path: path}
	}
	if len(raw) == 0 {
		return DoctorCheck{Name: "config_file", Status: "warn", Message: "not found; defaults apply", Path: path}
	}
	return DoctorCheck{Name: "config_file", Status: "pass", Message: "present", Path: path}
}

func checkControllerHealth(serverURL string, client *http.Client) DoctorCheck {
	if strings.TrimSpace(serverURL) == "" {
		return DoctorCheck{Name: "controller_health", Status: "warn", Message: "no server_url configured"}
	}
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/health", nil)
	if err != nil {
		return DoctorCheck{Name: "controller_health", Status: "fail", Message: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return DoctorCheck{Name: "controller_health", Status: "warn", Message: fmt.Sprintf("controller unreachable: %v", err)}
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DoctorCheck{Name: "controller_health", Status: "warn", Message: fmt.Sprintf("controller returned %d", resp.StatusCode)}
	}
	return DoctorCheck{Name: "controller_health", Status: "pass", Message: "controller healthy"}
}

func checkDaemonSocket(path string) DoctorCheck {
	if strings.TrimSpace(path) == "" {
		return DoctorCheck{Name: "daemon_socket", Status: "warn", Message: "no socket path configured"}
	}
	st, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "daemon_socket", Status: "warn", Message: "daemon not running", Path: path}
		}
		return DoctorCheck{Name: "daemon_socket", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if st.Mode()&os.ModeSocket == 0 {
		return DoctorCheck{Name: "daemon_socket", Status: "fail", Message: "path exists but is not a socket", Path: path}
	}
	return DoctorCheck{Name: "daemon_socket", Status: "pass", Message: "socket present", Path: path}
}
