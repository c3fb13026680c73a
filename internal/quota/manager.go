package quota

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bamsammich/stratum/internal/digest"
)

// Well-known file names under the workspace directory.
const (
	IndexFileName   = "cachedb"
	LockFileName    = "lock_cachedb"
	CommandPipeName = "cache.cmdpipe"
)

// commandBatchSize is how many contiguous insert/touch frames the
// server coalesces into one index transaction.
const commandBatchSize = 32

// pinnedFractionPercent caps the share of the cache that pinned objects
// may occupy.
const pinnedFractionPercent = 50

// highPinWatermarkPercent is the warning threshold, as a percentage of
// the pinned fraction.
const highPinWatermarkPercent = 75

// Config configures a quota manager.
type Config struct {
	// CacheDir holds the content-addressed object files.
	CacheDir string

	// WorkspaceDir holds the index, the lock file, and the pipes.
	// Usually the same as CacheDir.
	WorkspaceDir string

	// Limit is the soft limit in bytes; inserts beyond it trigger a
	// cleanup.
	Limit uint64

	// CleanupThreshold is the size a cleanup shrinks the cache to.
	CleanupThreshold uint64

	// AsyncDelete hands eviction unlinks to a detached subprocess. The
	// index rows are still removed synchronously so the gauge is
	// correct immediately.
	AsyncDelete bool
}

// Manager tracks, pins, and evicts the content-addressed objects of the
// local cache under a size budget. Exactly one command-server task
// mutates the index; clients drive it through fixed-size command frames
// over a pipe.
//
// A Manager starts synchronous: operations run on the caller. Spawn
// moves command handling onto a dedicated server goroutine (embedded
// mode); ConnectShared talks to a separate helper process instead.
type Manager struct {
	cfg Config

	shared  bool
	spawned bool

	mu           sync.Mutex
	gauge        uint64
	pinned       uint64
	pinnedChunks map[digest.Digest]uint64

	idx    *Index
	lockFd int

	cmdRead  *os.File
	cmdWrite *os.File
	serverWg sync.WaitGroup

	// replyPipes holds embedded-mode reply write ends between the
	// client building a command and the server answering it. Shared
	// mode uses workspace FIFOs instead.
	replyMu    sync.Mutex
	replyPipes map[int32]*os.File
	replyToken int32

	back     *backChannels
	cleanups *cleanupRecorder
	pinWarn  *rate.Limiter
}

// New creates an embedded quota manager: the command server lives in
// this process once Spawn is called. Takes the exclusive database lock;
// a second manager on the same workspace fails with ErrLocked.
func New(cfg Config) (*Manager, error) {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = cfg.CacheDir
	}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	lockFd, err := acquireLock(filepath.Join(cfg.WorkspaceDir, LockFileName))
	if err != nil {
		return nil, err
	}

	idx, err := OpenIndex(filepath.Join(cfg.WorkspaceDir, IndexFileName), cfg.CacheDir)
	if err != nil {
		unix.Close(lockFd) //nolint:errcheck // startup failure path
		return nil, err
	}

	gauge, pinnedSum, err := idx.Gauges()
	if err != nil {
		idx.Close()        //nolint:errcheck // startup failure path
		unix.Close(lockFd) //nolint:errcheck // startup failure path
		return nil, err
	}

	// Pins are process-scoped: rows left pinned by an earlier process go
	// back to normal LRU accounting.
	gauge += pinnedSum
	if _, err := idx.db.Exec("UPDATE objects SET pinned = 0 WHERE pinned = 1"); err != nil {
		idx.Close()        //nolint:errcheck // startup failure path
		unix.Close(lockFd) //nolint:errcheck // startup failure path
		return nil, fmt.Errorf("release stale pins: %w", err)
	}

	sweepStalePipes(cfg.WorkspaceDir)

	m := &Manager{
		cfg:          cfg,
		gauge:        gauge,
		pinnedChunks: make(map[digest.Digest]uint64),
		idx:          idx,
		lockFd:       lockFd,
		replyPipes:   make(map[int32]*os.File),
		back:         newBackChannels(),
		cleanups:     newCleanupRecorder(),
		pinWarn:      rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	return m, nil
}

func acquireLock(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return -1, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd) //nolint:errcheck // lock not held
		if err == unix.EWOULDBLOCK {
			return -1, ErrLocked
		}
		return -1, fmt.Errorf("lock %s: %w", path, err)
	}
	return fd, nil
}

// sweepStalePipes removes return-pipe and back-channel FIFOs left over
// from crashed clients.
func sweepStalePipes(workspaceDir string) {
	entries, err := os.ReadDir(workspaceDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "pipe") || strings.HasPrefix(name, "cache.backchannel-") {
			os.Remove(filepath.Join(workspaceDir, name)) //nolint:errcheck // best-effort sweep
		}
	}
}

// Spawn switches the manager from synchronous to asynchronous: commands
// now flow through an anonymous pipe into a dedicated server goroutine.
func (m *Manager) Spawn() error {
	if m.spawned {
		return nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create command pipe: %w", err)
	}
	m.cmdRead, m.cmdWrite = r, w
	m.spawned = true

	m.serverWg.Add(1)
	go func() {
		defer m.serverWg.Done()
		m.commandServer()
	}()
	return nil
}

// Close drains the command pipe, checkpoints the index, unlinks pipes,
// and releases the database lock. For a shared-mode client it only
// detaches from the helper process, which keeps serving other clients.
func (m *Manager) Close() error {
	if m.idx == nil {
		if m.cmdWrite != nil {
			m.cmdWrite.Close() //nolint:errcheck // detach from shared manager
		}
		return nil
	}
	if m.spawned {
		m.cmdWrite.Close() //nolint:errcheck // EOF signals server shutdown
		m.serverWg.Wait()
		m.cmdRead.Close() //nolint:errcheck // server already done
	}
	m.back.broadcast(OpRelease)
	m.back.closeAll()

	var firstErr error
	if err := m.idx.Checkpoint(); err != nil {
		firstErr = err
	}
	if err := m.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	sweepStalePipes(m.cfg.WorkspaceDir)
	unix.Flock(m.lockFd, unix.LOCK_UN) //nolint:errcheck // lock dies with the fd anyway
	unix.Close(m.lockFd)               //nolint:errcheck // teardown
	return firstErr
}

// Capacity returns the configured byte limit.
func (m *Manager) Capacity() uint64 { return m.cfg.Limit }

// CleanupThreshold returns the size cleanups shrink the cache to.
func (m *Manager) CleanupThreshold() uint64 { return m.cfg.CleanupThreshold }

// Pid returns the process id serving commands: this process for an
// embedded manager, the helper process for a shared one.
func (m *Manager) Pid() (int, error) {
	if !m.shared {
		return os.Getpid(), nil
	}
	reply, err := m.roundTrip(Command{Type: CmdPid})
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(reply)
}

// GetProtocolRevision returns the command protocol revision.
func (m *Manager) GetProtocolRevision() uint32 { return ProtocolRevision }

// MaxFileSize returns the largest object the cache accepts.
func (m *Manager) MaxFileSize() uint64 { return m.cfg.Limit / 2 }

// Size returns the current unpinned byte gauge.
func (m *Manager) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauge
}

// SizePinned returns the pinned byte gauge.
func (m *Manager) SizePinned() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned
}

// CleanupRate reports the number of cleanups within the trailing
// period.
func (m *Manager) CleanupRate(period time.Duration) (int, error) {
	if !m.shared {
		return m.cleanups.rate(period), nil
	}
	reply, err := m.roundTrip(Command{Type: CmdCleanupRate, Size: uint64(period / time.Second)})
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(reply)
}

// Insert registers an object that was just written to the cache.
func (m *Manager) Insert(hash digest.Digest, size uint64, description string) error {
	return m.submit(Command{Type: CmdInsert, Hash: hash, Size: size, Description: description})
}

// InsertVolatile registers an object opted into aggressive eviction.
func (m *Manager) InsertVolatile(hash digest.Digest, size uint64, description string) error {
	return m.submit(Command{Type: CmdInsertVolatile, Hash: hash, Size: size, Description: description})
}

// Touch refreshes an object's position in the LRU.
func (m *Manager) Touch(hash digest.Digest) error {
	return m.submit(Command{Type: CmdTouch, Hash: hash})
}

// submit runs a fire-and-forget command either locally (pre-Spawn) or
// through the pipe.
func (m *Manager) submit(cmd Command) error {
	if !m.spawned {
		m.execute(cmd, nil)
		return nil
	}
	return WriteCommand(m.cmdWrite, cmd)
}

// Pin marks an object exempt from eviction, typically a loaded catalog.
// Fails with ErrPinLimit when the pinned fraction of the cache is
// exhausted; the gauges stay unchanged on failure.
func (m *Manager) Pin(hash digest.Digest, size uint64, description string, isCatalog bool) error {
	typ := CmdPinRegular
	if isCatalog {
		typ = CmdPin
	}
	reply, err := m.roundTrip(Command{Type: typ, Hash: hash, Size: size, Description: description})
	if err != nil {
		return err
	}
	if reply != "ok" {
		return ErrPinLimit
	}
	return nil
}

// Unpin returns a pinned object to normal LRU accounting.
func (m *Manager) Unpin(hash digest.Digest) error {
	return m.submit(Command{Type: CmdUnpin, Hash: hash})
}

// Remove drops an object from the cache, file and row.
func (m *Manager) Remove(hash digest.Digest) error {
	_, err := m.roundTrip(Command{Type: CmdRemove, Hash: hash})
	return err
}

// Cleanup evicts least-recently-used objects until at most leaveSize
// bytes remain unpinned. Returns ErrUnlinkFailed if an object file
// could not be deleted.
func (m *Manager) Cleanup(leaveSize uint64) error {
	reply, err := m.roundTrip(Command{Type: CmdCleanup, Size: leaveSize})
	if err != nil {
		return err
	}
	if reply != "ok" {
		return ErrUnlinkFailed
	}
	return nil
}

// List returns the descriptions of all tracked objects.
func (m *Manager) List() ([]string, error) { return m.listCommand(CmdList) }

// ListPinned returns the descriptions of all pinned objects.
func (m *Manager) ListPinned() ([]string, error) { return m.listCommand(CmdListPinned) }

// ListCatalogs returns the descriptions of all catalog objects.
func (m *Manager) ListCatalogs() ([]string, error) { return m.listCommand(CmdListCatalogs) }

// ListVolatile returns the descriptions of all volatile objects.
func (m *Manager) ListVolatile() ([]string, error) { return m.listCommand(CmdListVolatile) }

func (m *Manager) listCommand(typ CommandType) ([]string, error) {
	if !m.spawned {
		var lines []string
		m.execute(Command{Type: typ}, func(line string) { lines = append(lines, line) })
		return lines, nil
	}
	ret, err := m.makeReturnPipe()
	if err != nil {
		return nil, err
	}
	defer ret.close()
	if err := WriteCommand(m.cmdWrite, Command{Type: typ, ReturnPipe: ret.token, Hash: wireNullDigest()}); err != nil {
		return nil, err
	}
	return ReadReplyLines(ret.read)
}

// Status returns the unpinned and pinned byte gauges.
func (m *Manager) Status() (gauge, pinned uint64, err error) {
	reply, err := m.roundTrip(Command{Type: CmdStatus})
	if err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(reply, "%d %d", &gauge, &pinned); err != nil {
		return 0, 0, fmt.Errorf("parse status reply %q: %w", reply, err)
	}
	return gauge, pinned, nil
}

// Limits returns the byte limit and cleanup threshold the serving
// manager runs with, which for a shared manager may differ from this
// client's configuration.
func (m *Manager) Limits() (limit, threshold uint64, err error) {
	reply, err := m.roundTrip(Command{Type: CmdLimits})
	if err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(reply, "%d %d", &limit, &threshold); err != nil {
		return 0, 0, fmt.Errorf("parse limits reply %q: %w", reply, err)
	}
	return limit, threshold, nil
}

// RegisterBackChannel opens a broadcast channel and returns its read
// end. The manager writes single-byte opcodes on major events.
func (m *Manager) RegisterBackChannel(channelID string) (*os.File, error) {
	if m.shared {
		path := backChannelFifo(m.cfg.WorkspaceDir, channelID)
		if err := unix.Mkfifo(path, 0600); err != nil && err != unix.EEXIST {
			return nil, fmt.Errorf("create back channel fifo: %w", err)
		}
		r, err := openFifoRead(path)
		if err != nil {
			return nil, err
		}
		if err := WriteCommand(m.cmdWrite, Command{
			Type: CmdRegisterBackChannel, Description: channelID, Hash: wireNullDigest(),
		}); err != nil {
			r.Close() //nolint:errcheck // registration failed
			return nil, err
		}
		return r, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create back channel pipe: %w", err)
	}
	m.back.registerFile(channelID, w)
	return r, nil
}

// UnregisterBackChannel drops a broadcast registration. The caller
// closes the read end it obtained from RegisterBackChannel.
func (m *Manager) UnregisterBackChannel(channelID string) error {
	if m.shared {
		return WriteCommand(m.cmdWrite, Command{
			Type: CmdUnregisterBackChannel, Description: channelID, Hash: wireNullDigest(),
		})
	}
	m.back.unregister(channelID)
	return nil
}

// roundTrip submits a command and reads a single reply line.
func (m *Manager) roundTrip(cmd Command) (string, error) {
	if cmd.Hash.Algorithm == digest.MD5 && cmd.Hash.IsNull() {
		cmd.Hash = wireNullDigest()
	}
	if !m.spawned {
		var reply string
		m.execute(cmd, func(line string) { reply = line })
		return reply, nil
	}
	ret, err := m.makeReturnPipe()
	if err != nil {
		return "", err
	}
	defer ret.close()
	cmd.ReturnPipe = ret.token
	if err := WriteCommand(m.cmdWrite, cmd); err != nil {
		return "", err
	}
	return ReadReplyLine(ret.read)
}

// wireNullDigest is the placeholder digest for commands that carry
// none. MD5 cannot cross the pipe, so the zero value needs an explicit
// algorithm.
func wireNullDigest() digest.Digest {
	return digest.Digest{Algorithm: digest.SHA1}
}

// returnPipe is a per-request reply stream: an anonymous pipe in
// embedded mode, a randomly named workspace FIFO in shared mode.
type returnPipe struct {
	read  *os.File
	token int32
	path  string
}

func (m *Manager) makeReturnPipe() (*returnPipe, error) {
	if !m.shared {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("create return pipe: %w", err)
		}
		m.replyMu.Lock()
		m.replyToken++
		token := m.replyToken
		m.replyPipes[token] = w
		m.replyMu.Unlock()
		return &returnPipe{read: r, token: token}, nil
	}

	var idBuf [4]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, fmt.Errorf("return pipe id: %w", err)
	}
	id := int32(binary.LittleEndian.Uint32(idBuf[:])&0x3fffffff) + 1
	path := returnPipePath(m.cfg.WorkspaceDir, id)
	if err := unix.Mkfifo(path, 0600); err != nil {
		return nil, fmt.Errorf("create return fifo: %w", err)
	}
	r, err := openFifoRead(path)
	if err != nil {
		os.Remove(path) //nolint:errcheck // creation failed
		return nil, err
	}
	return &returnPipe{read: r, token: id, path: path}, nil
}

func (p *returnPipe) close() {
	p.read.Close() //nolint:errcheck // reply already drained
	if p.path != "" {
		// Return FIFOs are single-use; unlink immediately on close.
		os.Remove(p.path) //nolint:errcheck // startup sweep catches stragglers
	}
}

func returnPipePath(workspaceDir string, id int32) string {
	return filepath.Join(workspaceDir, "pipe"+strconv.FormatInt(int64(id), 10))
}

// openFifoRead opens the read end of a FIFO without blocking on a
// missing writer, then restores blocking reads.
func openFifoRead(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open fifo %s: %w", path, err)
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

// bindReturnPipe resolves a command's return-pipe token into a writable
// stream on the server side.
func (m *Manager) bindReturnPipe(token int32) *os.File {
	if token <= 0 {
		return nil
	}
	if !m.shared {
		m.replyMu.Lock()
		w := m.replyPipes[token]
		delete(m.replyPipes, token)
		m.replyMu.Unlock()
		return w
	}
	path := returnPipePath(m.cfg.WorkspaceDir, token)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		slog.Error("cannot bind return pipe", "path", path, "error", err)
		return nil
	}
	return f
}

// commandServer is the single task that owns the index. It batches
// contiguous insert/touch frames and answers data-bearing commands on
// their return pipes.
func (m *Manager) commandServer() {
	var batch []Command
	for {
		cmd, err := ReadCommand(m.cmdRead)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed frame desyncs the stream; there is no way to
			// resynchronize a byte pipe.
			slog.Error("command pipe corrupted, shutting down server", "error", err)
			break
		}
		if cmd.Type == cmdShutdown {
			break
		}

		if cmd.coalescable() {
			batch = append(batch, cmd)
			if len(batch) >= commandBatchSize {
				m.flushBatch(&batch)
			}
			continue
		}

		m.flushBatch(&batch)

		reply := m.bindReturnPipe(cmd.ReturnPipe)
		m.execute(cmd, func(line string) {
			if reply != nil {
				WriteReplyLine(reply, line) //nolint:errcheck // dead client detected on close
			}
		})
		if reply != nil {
			reply.Close() //nolint:errcheck // reply stream end marker
		}
	}
	m.flushBatch(&batch)
}

// flushBatch applies buffered insert/touch commands in one transaction
// and settles the gauge, cleaning up if the limit was crossed.
func (m *Manager) flushBatch(batch *[]Command) {
	cmds := *batch
	if len(cmds) == 0 {
		return
	}
	*batch = (*batch)[:0]

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyBatchLocked(cmds)
}

func (m *Manager) applyBatchLocked(cmds []Command) {
	for _, cmd := range cmds {
		if cmd.Type != CmdInsert && cmd.Type != CmdInsertVolatile {
			continue
		}
		if old, ok, err := m.idx.SizeOf(cmd.Hash); err == nil && ok {
			m.gauge -= old
		}
		m.gauge += cmd.Size
	}
	if err := m.idx.ApplyBatch(cmds); err != nil {
		slog.Error("batched index update failed", "error", err)
	}
	if m.gauge > m.cfg.Limit {
		m.doCleanupLocked(m.cfg.CleanupThreshold)
	}
}

// execute handles one non-coalesced command. reply receives zero or
// more lines; it may be nil for fire-and-forget commands.
func (m *Manager) execute(cmd Command, reply func(string)) {
	if reply == nil {
		reply = func(string) {}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Type {
	case CmdTouch, CmdInsert, CmdInsertVolatile:
		// Unbatched path, used before Spawn.
		m.applyBatchLocked([]Command{cmd})

	case CmdPin, CmdPinRegular, CmdReserve:
		if m.doPinLocked(cmd) {
			reply("ok")
		} else {
			reply("pinlimit")
		}

	case CmdUnpin:
		if size, ok := m.pinnedChunks[cmd.Hash]; ok {
			delete(m.pinnedChunks, cmd.Hash)
			m.pinned -= size
			m.gauge += size
		}
		if err := m.idx.Unpin(cmd.Hash); err != nil {
			slog.Error("unpin failed", "hash", cmd.Hash, "error", err)
		}

	case CmdRemove:
		m.doRemoveLocked(cmd.Hash)
		reply("ok")

	case CmdCleanup:
		if m.doCleanupLocked(cmd.Size) {
			reply("ok")
		} else {
			reply("failed")
		}

	case CmdList, CmdListPinned, CmdListCatalogs, CmdListVolatile:
		lines, err := m.doListLocked(cmd.Type)
		if err != nil {
			slog.Error("listing failed", "command", cmd.Type, "error", err)
		}
		for _, line := range lines {
			reply(line)
		}

	case CmdStatus:
		reply(fmt.Sprintf("%d %d", m.gauge, m.pinned))

	case CmdLimits:
		reply(fmt.Sprintf("%d %d", m.cfg.Limit, m.cfg.CleanupThreshold))

	case CmdPid:
		reply(strconv.Itoa(os.Getpid()))

	case CmdGetProtocolRevision:
		reply(strconv.Itoa(ProtocolRevision))

	case CmdCleanupRate:
		period := time.Duration(cmd.Size) * time.Second
		reply(strconv.Itoa(m.cleanups.rate(period)))

	case CmdRegisterBackChannel:
		if err := m.back.register(m.cfg.WorkspaceDir, cmd.Description); err != nil {
			slog.Error("back channel registration failed",
				"channel", cmd.Description, "error", err)
		}

	case CmdUnregisterBackChannel:
		m.back.unregister(cmd.Description)

	default:
		slog.Error("unhandled command", "type", cmd.Type)
	}
}

// doPinLocked accounts a pin and inserts the pinned row. The pin is
// refused when the pinned fraction of the cache is already exhausted.
func (m *Manager) doPinLocked(cmd Command) bool {
	if _, ok := m.pinnedChunks[cmd.Hash]; ok {
		return true // already pinned, idempotent
	}

	pinnedLimit := m.cfg.Limit * pinnedFractionPercent / 100
	if m.pinned > pinnedLimit {
		slog.Warn("pinned quota exhausted",
			"pinned", m.pinned, "pinned_limit", pinnedLimit)
		return false
	}

	// If the object is already tracked unpinned, its bytes move from
	// the LRU gauge to the pinned gauge.
	if old, ok, err := m.idx.SizeOf(cmd.Hash); err == nil && ok {
		m.gauge -= old
	}

	typ := EntryPinned
	if cmd.Type == CmdPin {
		typ = EntryCatalog
	}
	row := Row{Hash: cmd.Hash, Size: cmd.Size, Path: cmd.Description, Type: typ, Pinned: true}
	if err := m.idx.Insert(row); err != nil {
		slog.Error("pin insert failed", "hash", cmd.Hash, "error", err)
		return false
	}

	m.pinnedChunks[cmd.Hash] = cmd.Size
	m.pinned += cmd.Size
	m.checkHighPinWatermarkLocked(pinnedLimit)
	return true
}

func (m *Manager) checkHighPinWatermarkLocked(pinnedLimit uint64) {
	if m.pinned*100 >= pinnedLimit*highPinWatermarkPercent && m.pinWarn.Allow() {
		slog.Warn("high watermark of pinned files",
			"pinned", m.pinned, "pinned_limit", pinnedLimit,
			"watermark_percent", highPinWatermarkPercent)
	}
}

func (m *Manager) doRemoveLocked(hash digest.Digest) {
	size, ok, err := m.idx.SizeOf(hash)
	if err != nil {
		slog.Error("remove lookup failed", "hash", hash, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := m.idx.Remove(hash); err != nil {
		slog.Error("remove failed", "hash", hash, "error", err)
		return
	}
	if pinnedSize, pinnedHere := m.pinnedChunks[hash]; pinnedHere {
		delete(m.pinnedChunks, hash)
		m.pinned -= pinnedSize
	} else {
		m.gauge -= size
	}
	os.Remove(m.objectPath(hash)) //nolint:errcheck // row is gone either way
}

// doCleanupLocked evicts ascending-sequence rows until the unpinned
// gauge is at most leaveSize. Volatile rows go first through their
// flagged sequence numbers. Stops and fails on the first unlink error.
func (m *Manager) doCleanupLocked(leaveSize uint64) bool {
	if m.gauge <= leaveSize {
		return true
	}

	m.back.broadcast(OpCleanupStart)
	defer m.back.broadcast(OpCleanupFinish)
	m.cleanups.tick()

	slog.Info("cleaning up cache", "gauge", m.gauge, "leave_size", leaveSize)

	var asyncUnlinks []string
	for m.gauge > leaveSize {
		row, ok, err := m.idx.EvictCandidate()
		if err != nil || !ok {
			if err != nil {
				slog.Error("lru scan failed", "error", err)
			}
			break
		}

		path := m.objectPath(row.Hash)
		if m.cfg.AsyncDelete {
			asyncUnlinks = append(asyncUnlinks, path)
		} else if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Error("failed to unlink during cleanup", "path", path, "error", err)
			return false
		}

		if err := m.idx.Remove(row.Hash); err != nil {
			slog.Error("failed to drop evicted row", "hash", row.Hash, "error", err)
			return false
		}
		m.gauge -= row.Size
	}

	if len(asyncUnlinks) > 0 {
		spawnAsyncUnlink(asyncUnlinks)
	}
	return m.gauge <= leaveSize
}

// spawnAsyncUnlink hands file deletion to a detached subprocess so a
// slow cache volume does not stall the command server.
func spawnAsyncUnlink(paths []string) {
	cmd := exec.Command("/bin/rm", append([]string{"-f"}, paths...)...)
	if err := cmd.Start(); err != nil {
		slog.Error("async delete failed to start, falling back", "error", err)
		for _, p := range paths {
			os.Remove(p) //nolint:errcheck // best effort, rows already dropped
		}
		return
	}
	go cmd.Wait() //nolint:errcheck // reap only
}

func (m *Manager) doListLocked(typ CommandType) ([]string, error) {
	switch typ {
	case CmdList:
		return m.idx.ListAll()
	case CmdListPinned:
		return m.idx.ListPinned()
	case CmdListCatalogs:
		return m.idx.ListBy(EntryCatalog)
	case CmdListVolatile:
		return m.idx.ListBy(EntryVolatile)
	}
	return nil, fmt.Errorf("not a list command: %d", typ)
}

// objectPath maps a digest to its cache file:
// cache_dir/<first two hex>/<remaining hex><suffix>.
func (m *Manager) objectPath(hash digest.Digest) string {
	hex := hash.StringWithSuffix()
	return filepath.Join(m.cfg.CacheDir, hex[:2], hex[2:])
}

// ObjectPath exposes the cache file location for a digest. The data
// store writes objects here before announcing them with Insert.
func ObjectPath(cacheDir string, hash digest.Digest) string {
	hex := hash.StringWithSuffix()
	return filepath.Join(cacheDir, hex[:2], hex[2:])
}
