package quota

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// Back-channel opcodes broadcast to registered clients. One byte each;
// the channel is a notification bell, not a data stream.
const (
	OpCleanupStart  byte = 'C'
	OpCleanupFinish byte = 'F'
	OpRelease       byte = 'R'
)

// backChannels tracks the write ends registered by clients for
// broadcast notifications. A failed or blocked write unregisters the
// channel instead of backpressuring the manager.
type backChannels struct {
	mu       sync.Mutex
	channels map[string]*os.File
}

func newBackChannels() *backChannels {
	return &backChannels{channels: make(map[string]*os.File)}
}

// backChannelFifo derives the workspace FIFO path for a channel id.
// Ids are free-form client strings; the name on disk is a short stable
// hash.
func backChannelFifo(workspaceDir, channelID string) string {
	sum := blake3.Sum256([]byte(channelID))
	return filepath.Join(workspaceDir, "cache.backchannel-"+hex.EncodeToString(sum[:8]))
}

// register opens (creating if needed) the FIFO for channelID and adds
// its write end. An existing registration under the same id is replaced.
func (b *backChannels) register(workspaceDir, channelID string) error {
	path := backChannelFifo(workspaceDir, channelID)
	if err := unix.Mkfifo(path, 0600); err != nil && err != unix.EEXIST {
		return fmt.Errorf("create back channel fifo: %w", err)
	}
	// Non-blocking so a vanished reader can never wedge the manager.
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open back channel %s: %w", channelID, err)
	}
	f := os.NewFile(uintptr(fd), path)

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.channels[channelID]; ok {
		old.Close() //nolint:errcheck // replaced registration
	}
	b.channels[channelID] = f
	return nil
}

// registerFile adds an already-open write end (embedded mode).
func (b *backChannels) registerFile(channelID string, w *os.File) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.channels[channelID]; ok {
		old.Close() //nolint:errcheck // replaced registration
	}
	b.channels[channelID] = w
}

func (b *backChannels) unregister(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.channels[channelID]; ok {
		f.Close() //nolint:errcheck // teardown
		delete(b.channels, channelID)
	}
}

// broadcast writes a single opcode byte to every registered channel.
// Channels that fail the write are dropped silently.
func (b *backChannels) broadcast(op byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, f := range b.channels {
		// Write through the raw fd so a full pipe fails with EAGAIN
		// instead of parking on the runtime poller.
		var werr error
		rc, err := f.SyscallConn()
		if err == nil {
			err = rc.Write(func(fd uintptr) bool {
				_, werr = unix.Write(int(fd), []byte{op})
				return true
			})
		}
		if err == nil {
			err = werr
		}
		if err != nil {
			slog.Debug("dropping back channel", "channel", id, "error", err)
			f.Close() //nolint:errcheck // already failing
			delete(b.channels, id)
		}
	}
}

func (b *backChannels) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, f := range b.channels {
		f.Close() //nolint:errcheck // teardown
		delete(b.channels, id)
	}
}
