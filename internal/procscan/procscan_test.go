package procscan

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/muxherd/muxherd/internal/model"
)

type fakeRunner struct {
	out  []byte
	err  error
	name string
	args []string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	return f.out, f.err
}

func TestPIDsMatchingParsesAndDedupes(t *testing.T) {
	fr := &fakeRunner{out: []byte("101\n202\n101\n")}
	o := &OS{runner: fr}
	pids, err := o.PIDsMatching(context.Background(), "muxherd-attach")
	if err != nil {
		t.Fatalf("pids: %v", err)
	}
	if len(pids) != 2 || pids[0] != 101 || pids[1] != 202 {
		t.Fatalf("expected [101 202], got %v", pids)
	}
	if fr.name != "pgrep" || len(fr.args) != 2 || fr.args[0] != "-f" {
		t.Fatalf("unexpected command %s %v", fr.name, fr.args)
	}
}

func TestPIDsMatchingGarbageOutput(t *testing.T) {
	o := &OS{runner: &fakeRunner{out: []byte("101\nnot-a-pid\n")}}
	if _, err := o.PIDsMatching(context.Background(), "x"); err == nil {
		t.Fatalf("expected parse error for garbage pgrep output")
	}
}

func TestPIDsOnPortBuildsLsofArgs(t *testing.T) {
	fr := &fakeRunner{out: []byte("4242\n")}
	o := &OS{runner: fr}
	pids, err := o.PIDsOnPort(context.Background(), 8123)
	if err != nil {
		t.Fatalf("pids on port: %v", err)
	}
	if len(pids) != 1 || pids[0] != 4242 {
		t.Fatalf("expected [4242], got %v", pids)
	}
	if fr.name != "lsof" {
		t.Fatalf("expected lsof, got %s", fr.name)
	}
	joined := ""
	for _, a := range fr.args {
		joined += a + " "
	}
	if joined != "-t -i tcp:8123 -sTCP:LISTEN " {
		t.Fatalf("unexpected lsof args %v", fr.args)
	}
}

func TestAliveSelf(t *testing.T) {
	o := NewOS()
	if !o.Alive(os.Getpid()) {
		t.Fatalf("expected current process to be alive")
	}
	if o.Alive(1 << 30) {
		t.Fatalf("expected absurd pid to be dead")
	}
}

func TestSignalZeroSelf(t *testing.T) {
	o := NewOS()
	if err := o.Signal(os.Getpid(), 0); err != nil {
		t.Fatalf("signal 0 self: %v", err)
	}
	if err := o.Signal(1<<30, 0); !IsGone(err) {
		t.Fatalf("expected IsGone for missing pid, got %v", err)
	}
}

func TestParseAttachmentForms(t *testing.T) {
	cases := []struct {
		cmdline string
		want    model.Attachment
	}{
		{
			"muxherd-attach --session sess-1 --server http://127.0.0.1:8090",
			model.Attachment{PID: 9, SessionID: "sess-1", ServerURL: "http://127.0.0.1:8090"},
		},
		{
			"muxherd-attach --server=http://localhost:8090 --session=sess-2 --verbose",
			model.Attachment{PID: 9, SessionID: "sess-2", ServerURL: "http://localhost:8090"},
		},
	}
	for _, tc := range cases {
		got, err := ParseAttachment(9, tc.cmdline)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.cmdline, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: expected %+v, got %+v", tc.cmdline, tc.want, got)
		}
	}
}

func TestParseAttachmentNoAffinity(t *testing.T) {
	_, err := ParseAttachment(9, "vim notes.txt")
	if !errors.Is(err, model.ErrNoAffinity) {
		t.Fatalf("expected ErrNoAffinity, got %v", err)
	}
}

func TestParseAttachmentMalformed(t *testing.T) {
	cases := []string{
		"muxherd-attach --session sess-1",
		"muxherd-attach --server http://127.0.0.1:8090",
		"muxherd-attach --session --server http://127.0.0.1:8090",
		"muxherd-attach --session= --server=http://127.0.0.1:8090",
		"muxherd-attach --session sess-1 --server",
	}
	for _, cmdline := range cases {
		if _, err := ParseAttachment(9, cmdline); !errors.Is(err, model.ErrBadAffinity) {
			t.Fatalf("cmdline %q: expected ErrBadAffinity, got %v", cmdline, err)
		}
	}
}
