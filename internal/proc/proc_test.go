//go:build !windows

package proc

import (
	"syscall"
	"testing"
	"time"
)

func TestSpawnAndMonitorExitCode(t *testing.T) {
	h, err := Spawn(Spec{Name: "exit7", Command: "/bin/sh -c 'exit 7'"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !h.Alive() || h.PID() <= 0 {
		t.Fatalf("freshly spawned: alive=%v pid=%d", h.Alive(), h.PID())
	}
	deaths := make(chan Death, 1)
	go h.Monitor(deaths)

	select {
	case d := <-deaths:
		if d.Name != "exit7" || d.Status.Code != 7 {
			t.Fatalf("death = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no death event")
	}
	if h.Alive() {
		t.Fatal("still alive after death event")
	}
	if h.Exit().Code != 7 {
		t.Fatalf("Exit = %+v", h.Exit())
	}
}

func TestKillReportsSignal(t *testing.T) {
	h, err := Spawn(Spec{Name: "sleeper", Command: "sleep 60"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	deaths := make(chan Death, 1)
	go h.Monitor(deaths)
	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case d := <-deaths:
		if d.Status.Signal != int(syscall.SIGKILL) {
			t.Fatalf("death = %+v, want SIGKILL signal", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no death event after kill")
	}
}

func TestTerminateGraceful(t *testing.T) {
	h, err := Spawn(Spec{Name: "term", Command: "sleep 60"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	deaths := make(chan Death, 1)
	go h.Monitor(deaths)
	if err := h.Terminate(false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case d := <-deaths:
		if d.Status.Signal != int(syscall.SIGTERM) {
			t.Fatalf("death = %+v, want SIGTERM signal", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no death event after terminate")
	}
	// Signalling a dead handle is a no-op.
	if err := h.Terminate(false); err != nil {
		t.Fatalf("Terminate on dead: %v", err)
	}
}

func TestDetectAlive(t *testing.T) {
	h, err := Spawn(Spec{Name: "probe", Command: "sleep 60"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	deaths := make(chan Death, 1)
	go h.Monitor(deaths)
	if !h.DetectAlive() {
		t.Fatal("DetectAlive = false for live process")
	}
	_ = h.Kill()
	<-deaths
	if h.DetectAlive() {
		t.Fatal("DetectAlive = true after death")
	}
}

func TestSnapshot(t *testing.T) {
	h, err := Spawn(Spec{Name: "snap", Deployment: "demo", Command: "/bin/sh -c 'exit 0'"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	st := h.Snapshot()
	if st.Name != "snap" || st.Deployment != "demo" || st.PID != h.PID() {
		t.Fatalf("snapshot = %+v", st)
	}
	deaths := make(chan Death, 1)
	go h.Monitor(deaths)
	<-deaths
	st = h.Snapshot()
	if st.Alive || st.StoppedAt.IsZero() {
		t.Fatalf("post-death snapshot = %+v", st)
	}
}

func TestMappingEnvDeterministic(t *testing.T) {
	s := Spec{NameMappings: map[string]string{"b": "2", "a": "1", "c": "3"}}
	want := "TASKWIRE_NAME_MAP=a:1,b:2,c:3"
	for i := 0; i < 5; i++ {
		if got := s.MappingEnv(); got != want {
			t.Fatalf("MappingEnv = %q, want %q", got, want)
		}
	}
	if (&Spec{}).MappingEnv() != "" {
		t.Fatal("empty mappings should yield empty env entry")
	}
}

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		name    string
		command string
		args    []string
		want    []string
	}{
		{name: "plain", command: "sleep 5", want: []string{"sleep", "5"}},
		{name: "args appended", command: "sleep", args: []string{"5"}, want: []string{"sleep", "5"}},
		{name: "shell metachars", command: "echo hi > /tmp/x", want: []string{"/bin/sh", "-c", "echo hi > /tmp/x"}},
		{name: "explicit shell", command: "sh -c 'echo hi'", want: []string{"/bin/sh", "-c", "echo hi"}},
		{name: "empty", command: "", want: []string{"/bin/true"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Spec{Command: tc.command, Args: tc.args}
			cmd := s.BuildCommand()
			if len(cmd.Args) != len(tc.want) {
				t.Fatalf("args = %v, want %v", cmd.Args, tc.want)
			}
			for i := range tc.want {
				if cmd.Args[i] != tc.want[i] {
					t.Fatalf("args = %v, want %v", cmd.Args, tc.want)
				}
			}
		})
	}
}
