package procserver

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/taskwire/internal/history"
	"github.com/loykin/taskwire/internal/logdir"
	"github.com/loykin/taskwire/internal/logger"
	"github.com/loykin/taskwire/internal/metrics"
	"github.com/loykin/taskwire/internal/proc"
	"github.com/loykin/taskwire/internal/protocol"
	"github.com/loykin/taskwire/internal/uploader"
)

// dispatch runs one command on the event loop goroutine. It returns true when
// the server must shut down. A failed reply write drops the client but never
// fails the command itself.
func (s *Server) dispatch(req request) (quit bool) {
	var err error
	switch req.code {
	case protocol.CmdGetPID:
		err = s.handleGetPID(req)
	case protocol.CmdGetInfo:
		err = s.handleGetInfo(req)
	case protocol.CmdCreateLog:
		err = s.handleCreateLog(req)
	case protocol.CmdStart:
		err = s.handleStart(req)
	case protocol.CmdEnd:
		err = s.handleEnd(req)
	case protocol.CmdKillAll:
		err = s.handleKillAll(req)
	case protocol.CmdQuit:
		_ = req.client.write(protocol.MarkYes, protocol.GenericReply{Base: protocol.NewBase()})
		return true
	case protocol.CmdUploadFile:
		err = s.handleUpload(req)
	case protocol.CmdUploadState:
		err = s.handleUploadState(req)
	case protocol.CmdWaitRunning:
		err = s.handleWaitRunning(req)
	}
	if err != nil {
		s.log.Warn("reply write failed", "remote", req.client.conn.RemoteAddr(), "error", err)
		s.dropClient(req.client)
	}
	return false
}

func (s *Server) no(cl *connClient, msg string) error {
	return cl.write(protocol.MarkNo, protocol.GenericReply{Base: protocol.NewBase(), Message: msg})
}

func (s *Server) handleGetPID(req request) error {
	var r protocol.PidRequest
	if err := protocol.Decode(req.body, &r); err != nil {
		return s.no(req.client, err.Error())
	}
	s.mu.Lock()
	h, ok := s.table[r.Name]
	s.mu.Unlock()
	if !ok || !h.Alive() {
		return s.no(req.client, "no such process: "+r.Name)
	}
	return req.client.write(protocol.MarkYes, protocol.PidReply{Base: protocol.NewBase(), PID: h.PID()})
}

func (s *Server) handleGetInfo(req request) error {
	s.mu.Lock()
	procs := make([]protocol.ProcessInfo, 0, len(s.table))
	for _, h := range s.table {
		st := h.Snapshot()
		procs = append(procs, protocol.ProcessInfo{
			Name:       st.Name,
			Deployment: st.Deployment,
			PID:        st.PID,
			Alive:      st.Alive,
		})
	}
	s.mu.Unlock()
	return req.client.write(protocol.MarkYes, protocol.InfoReply{
		Base:      protocol.NewBase(),
		ServerPID: os.Getpid(),
		Processes: procs,
		Clients:   len(s.clients),
	})
}

func (s *Server) handleCreateLog(req request) error {
	var r protocol.CreateLogRequest
	if err := protocol.Decode(req.body, &r); err != nil {
		return s.no(req.client, err.Error())
	}
	dir, err := logdir.Create(s.logRoot(), r.TimeTag, r.Metadata)
	if err != nil {
		s.log.Error("log dir creation failed", "time_tag", r.TimeTag, "error", err)
		return s.no(req.client, err.Error())
	}
	s.mu.Lock()
	s.logDir = dir
	s.mu.Unlock()
	s.log.Info("log directory created", "dir", dir)
	return req.client.write(protocol.MarkYes, protocol.CreateLogReply{Base: protocol.NewBase(), Dir: dir})
}

// handleStart spawns a deployment. Names are unique among live processes; the
// working directory is always server-assigned under the active log directory,
// regardless of what the client suggested.
func (s *Server) handleStart(req request) error {
	var r protocol.StartRequest
	if err := protocol.Decode(req.body, &r); err != nil {
		return s.no(req.client, err.Error())
	}
	if r.Name == "" {
		return s.no(req.client, "empty process name")
	}

	s.mu.Lock()
	if h, ok := s.table[r.Name]; ok && h.Alive() {
		s.mu.Unlock()
		return s.no(req.client, "process already running: "+r.Name)
	}
	base := s.logDir
	s.mu.Unlock()
	if base == "" {
		base = s.logRoot()
	}
	workDir := filepath.Join(base, r.Name)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return s.no(req.client, "working dir: "+err.Error())
	}

	spec := proc.Spec{
		Name:         r.Name,
		Deployment:   r.Deployment,
		Command:      r.Deployment,
		Args:         r.Args,
		WorkDir:      workDir,
		Env:          r.Env,
		NameMappings: r.NameMappings,
		Log:          logger.Config{Dir: workDir},
	}
	h, err := proc.Spawn(spec, mergedEnv(r.Env))
	if err != nil {
		s.log.Error("spawn failed", "name", r.Name, "deployment", r.Deployment, "error", err)
		metrics.IncSpawnFailure(r.Name)
		return s.no(req.client, err.Error())
	}
	go h.Monitor(s.deaths)

	s.mu.Lock()
	s.table[r.Name] = h
	live := len(s.table)
	s.mu.Unlock()

	s.log.Info("process started", "name", r.Name, "deployment", r.Deployment, "pid", h.PID())
	metrics.IncStart(r.Name)
	metrics.SetLiveProcesses(live)
	s.record(history.Event{
		Type:       history.EventProcessStart,
		OccurredAt: time.Now(),
		Task:       r.Name,
		PID:        h.PID(),
		Detail:     r.Deployment,
	})
	return req.client.write(protocol.MarkStarted, protocol.StartReply{Base: protocol.NewBase(), PID: h.PID()})
}

// handleEnd asks one process to stop. The reply acknowledges the request; the
// actual exit is announced later through the out-of-band death notice.
func (s *Server) handleEnd(req request) error {
	var r protocol.EndRequest
	if err := protocol.Decode(req.body, &r); err != nil {
		return s.no(req.client, err.Error())
	}
	s.mu.Lock()
	h, ok := s.table[r.Name]
	s.mu.Unlock()
	if !ok {
		return s.no(req.client, "no such process: "+r.Name)
	}
	var err error
	if r.Hard {
		err = h.Kill()
	} else {
		err = h.Terminate(r.Cleanup)
	}
	if err != nil {
		s.log.Warn("stop signal failed", "name", r.Name, "error", err)
		return s.no(req.client, err.Error())
	}
	s.log.Info("process stop requested", "name", r.Name, "hard", r.Hard)
	return req.client.write(protocol.MarkYes, protocol.GenericReply{Base: protocol.NewBase()})
}

// handleKillAll terminates every live process and waits for all of them to be
// reaped, consuming the deaths channel directly since this runs on the event
// loop. Deaths observed here still go through the normal broadcast path.
// Exceeding the timeout with processes still alive fails this one request;
// the survivors stay tracked and die with the server.
func (s *Server) handleKillAll(req request) error {
	var r protocol.KillAllRequest
	if err := protocol.Decode(req.body, &r); err != nil {
		return s.no(req.client, err.Error())
	}
	timeout := time.Duration(r.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s.mu.Lock()
	waiting := make(map[string]*proc.Handle, len(s.table))
	for name, h := range s.table {
		waiting[name] = h
	}
	s.mu.Unlock()

	for _, h := range waiting {
		_ = h.Terminate(false)
	}

	exits := make([]protocol.ExitRecord, 0, len(waiting))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for len(waiting) > 0 {
		select {
		case d := <-s.deaths:
			if _, ok := waiting[d.Name]; ok {
				delete(waiting, d.Name)
				exits = append(exits, protocol.ExitRecord{Name: d.Name, Code: d.Status.Code, Signal: d.Status.Signal})
			}
			s.handleDeath(d)
		case <-deadline.C:
			names := make([]string, 0, len(waiting))
			for n := range waiting {
				names = append(names, n)
			}
			sort.Strings(names)
			s.log.Error("kill-all timed out", "stuck", names)
			return s.no(req.client, "kill-all timed out waiting for: "+strings.Join(names, ", "))
		}
	}
	s.log.Info("kill-all complete", "exits", len(exits))
	return req.client.write(protocol.MarkYes, protocol.KillAllReply{Base: protocol.NewBase(), Exits: exits})
}

func (s *Server) handleUpload(req request) error {
	var r protocol.UploadRequest
	if err := protocol.Decode(req.body, &r); err != nil {
		return s.no(req.client, err.Error())
	}
	if _, err := os.Stat(r.Path); err != nil {
		return s.no(req.client, "upload source: "+err.Error())
	}
	job := &uploader.Job{
		Host:           r.Host,
		Port:           r.Port,
		User:           r.User,
		Password:       r.Password,
		CertPEM:        r.CertPEM,
		Path:           r.Path,
		MaxBytesPerSec: r.MaxBytesPerSec,
	}
	s.applyUploadDefaults(job)
	if job.Host == "" {
		return s.no(req.client, "upload target not specified and no default configured")
	}
	id := s.up.Enqueue(job)
	s.log.Info("upload queued", "path", r.Path, "host", r.Host, "job", id)
	return req.client.write(protocol.MarkYes, protocol.GenericReply{Base: protocol.NewBase(), Message: id})
}

func (s *Server) handleUploadState(req request) error {
	pending, results := s.up.State()
	reply := protocol.UploadStateReply{Base: protocol.NewBase(), Pending: pending}
	for _, res := range results {
		reply.Results = append(reply.Results, protocol.UploadResult{OK: res.OK, Path: res.Path, Message: res.Message})
	}
	return req.client.write(protocol.MarkYes, reply)
}

// handleWaitRunning answers the instantaneous question "is it running now".
// Clients poll this until their own deadline expires.
func (s *Server) handleWaitRunning(req request) error {
	var r protocol.WaitRunningRequest
	if err := protocol.Decode(req.body, &r); err != nil {
		return s.no(req.client, err.Error())
	}
	s.mu.Lock()
	h, ok := s.table[r.Name]
	s.mu.Unlock()
	if ok && h.DetectAlive() {
		return req.client.write(protocol.MarkYes, protocol.GenericReply{Base: protocol.NewBase()})
	}
	return s.no(req.client, "not running: "+r.Name)
}

// applyUploadDefaults fills empty job fields from the configured defaults.
func (s *Server) applyUploadDefaults(j *uploader.Job) {
	d := s.opts.Upload
	if j.Host == "" {
		j.Host = d.Host
	}
	if j.Port == 0 {
		j.Port = d.Port
	}
	if j.User == "" {
		j.User = d.User
	}
	if j.Password == "" {
		j.Password = d.Password
	}
	if len(j.CertPEM) == 0 {
		j.CertPEM = d.CertPEM
	}
	if j.MaxBytesPerSec == 0 {
		j.MaxBytesPerSec = d.MaxBytesPerSec
	}
}

func (s *Server) logRoot() string {
	if s.opts.LogRoot != "" {
		return s.opts.LogRoot
	}
	return filepath.Join(os.TempDir(), "taskwire-logs")
}

// mergedEnv layers the request environment over the server's own.
func mergedEnv(extra []string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	return append(os.Environ(), extra...)
}
