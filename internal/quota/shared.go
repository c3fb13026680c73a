package quota

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Ready-protocol bytes written by a starting helper process on its
// inherited status pipe.
const (
	readyOK   byte = 'R'
	readyFail byte = 'E'
)

// Server is the shared-mode command server: one helper process serving
// multiple client processes over the workspace command FIFO.
type Server struct {
	M        *Manager
	pipe     *os.File
	fifoPath string
}

// NewServer builds the shared-mode server: takes the database lock,
// opens the index, and creates the command FIFO. Fails with ErrLocked
// when another manager already serves this workspace.
func NewServer(cfg Config) (*Server, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.shared = true

	fifoPath := filepath.Join(m.cfg.WorkspaceDir, CommandPipeName)
	os.Remove(fifoPath) //nolint:errcheck // stale pipe from a dead manager
	if err := unix.Mkfifo(fifoPath, 0600); err != nil {
		m.Close() //nolint:errcheck // startup failure path
		return nil, fmt.Errorf("create command fifo: %w", err)
	}

	// O_RDWR keeps the read end alive across client connects and lets
	// Shutdown inject its frame without a second open.
	pipe, err := os.OpenFile(fifoPath, os.O_RDWR, 0)
	if err != nil {
		os.Remove(fifoPath) //nolint:errcheck // startup failure path
		m.Close()           //nolint:errcheck // startup failure path
		return nil, fmt.Errorf("open command fifo: %w", err)
	}

	m.cmdRead = pipe
	m.spawned = true
	return &Server{M: m, pipe: pipe, fifoPath: fifoPath}, nil
}

// Serve announces readiness on ready (may be nil) and processes
// commands until Shutdown. On return the index is checkpointed and the
// FIFO unlinked.
func (s *Server) Serve(ready *os.File) error {
	if ready != nil {
		ready.Write([]byte{readyOK}) //nolint:errcheck // parent may be gone
		ready.Close()                //nolint:errcheck // one-shot status pipe
	}
	slog.Info("cache manager serving",
		"workspace", s.M.cfg.WorkspaceDir,
		"limit", s.M.cfg.Limit, "threshold", s.M.cfg.CleanupThreshold)

	s.M.commandServer()

	s.M.spawned = false
	os.Remove(s.fifoPath) //nolint:errcheck // already gone on races
	s.pipe.Close()        //nolint:errcheck // server loop exited
	return s.M.Close()
}

// Shutdown injects the internal shutdown frame. Safe to call from a
// signal handler goroutine.
func (s *Server) Shutdown() {
	if err := WriteCommand(s.pipe, Command{Type: cmdShutdown, Hash: wireNullDigest()}); err != nil {
		slog.Error("failed to write shutdown frame", "error", err)
	}
}

// ConnectShared attaches this process to the shared cache manager for
// workspaceDir, spawning the helper executable if none is running. The
// returned manager proxies every operation through the command FIFO.
func ConnectShared(exePath string, cfg Config, foreground bool) (*Manager, error) {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = cfg.CacheDir
	}
	fifoPath := filepath.Join(cfg.WorkspaceDir, CommandPipeName)

	w, err := openFifoWrite(fifoPath)
	if err != nil {
		if err := spawnSharedManager(exePath, cfg, foreground); err != nil {
			return nil, err
		}
		w, err = openFifoWrite(fifoPath)
		if err != nil {
			return nil, fmt.Errorf("connect to spawned cache manager: %w", err)
		}
	}

	m := &Manager{
		cfg:      cfg,
		shared:   true,
		spawned:  true,
		cmdWrite: w,
	}

	// Refuse to talk across protocol revisions.
	reply, err := m.roundTrip(Command{Type: CmdGetProtocolRevision})
	if err != nil {
		w.Close() //nolint:errcheck // handshake failed
		return nil, fmt.Errorf("cache manager handshake: %w", err)
	}
	if revision, _ := strconv.Atoi(reply); revision != ProtocolRevision {
		w.Close() //nolint:errcheck // handshake failed
		return nil, fmt.Errorf("cache manager speaks protocol %s, need %d", reply, ProtocolRevision)
	}
	return m, nil
}

// openFifoWrite opens the write end of the command FIFO, failing fast
// when no server has the read end open.
func openFifoWrite(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open command fifo %s: %w", path, err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err == nil {
		_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags&^unix.O_NONBLOCK)
	}
	if err != nil {
		unix.Close(fd) //nolint:errcheck // open failed halfway
		return nil, fmt.Errorf("clear nonblock on %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// spawnSharedManager execs the helper process and waits for its ready
// byte on an inherited pipe.
func spawnSharedManager(exePath string, cfg Config, foreground bool) error {
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create ready pipe: %w", err)
	}
	defer readyR.Close() //nolint:errcheck // drained below

	args := []string{
		"cachemgr",
		"--cache-dir", cfg.CacheDir,
		"--workspace", cfg.WorkspaceDir,
		"--limit", strconv.FormatUint(cfg.Limit, 10),
		"--threshold", strconv.FormatUint(cfg.CleanupThreshold, 10),
		"--ready-fd", "3",
	}
	if foreground {
		args = append(args, "--foreground")
	}
	cmd := exec.Command(exePath, args...)
	cmd.ExtraFiles = []*os.File{readyW}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		readyW.Close() //nolint:errcheck // spawn failed
		return fmt.Errorf("spawn cache manager: %w", err)
	}
	readyW.Close() //nolint:errcheck // child holds its copy
	go cmd.Wait()  //nolint:errcheck // reap only; manager outlives us logically

	readyR.SetReadDeadline(time.Now().Add(30 * time.Second)) //nolint:errcheck // pipes support deadlines on linux
	var status [1]byte
	if _, err := readyR.Read(status[:]); err != nil {
		return fmt.Errorf("cache manager did not report ready: %w", err)
	}
	if status[0] != readyOK {
		return fmt.Errorf("cache manager failed to start (status %q)", status[0])
	}
	return nil
}
