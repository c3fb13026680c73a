// Package quota implements the local cache quota manager: an on-disk
// LRU index of content-addressed objects, the fixed-size command
// protocol that drives it over a pipe, and the manager lifecycle in its
// embedded and shared deployment modes.
package quota

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bamsammich/stratum/internal/digest"
)

// CommandType enumerates the RPCs understood by the cache manager. Wire
// values are fixed; they must not be reordered across protocol
// revisions.
type CommandType byte

const (
	CmdTouch CommandType = iota
	CmdInsert
	CmdReserve
	CmdPin
	CmdUnpin
	CmdRemove
	CmdCleanup
	CmdList
	CmdListPinned
	CmdListCatalogs
	CmdStatus
	CmdLimits
	CmdPid
	CmdPinRegular
	CmdRegisterBackChannel
	CmdUnregisterBackChannel
	CmdGetProtocolRevision
	CmdInsertVolatile
	// as of protocol revision 2
	CmdListVolatile
	CmdCleanupRate
)

// cmdShutdown is an internal frame that stops a command server. It is
// written by the owning process only, never by clients.
const cmdShutdown CommandType = 0xFF

// ProtocolRevision is the protocol spoken by this implementation.
const ProtocolRevision = 2

const (
	// commandHeaderSize is the fixed frame header: 1 byte type, 8 bytes
	// size word, 4 bytes return pipe, 20 bytes zero-padded digest,
	// 2 bytes description length.
	commandHeaderSize = 1 + 8 + 4 + digest.MaxSize + 2

	// MaxFrameSize keeps one frame within the POSIX atomic pipe write
	// guarantee, so frames from concurrent clients never interleave.
	MaxFrameSize = 512

	// MaxDescription bounds the variable-length description buffer.
	MaxDescription = MaxFrameSize - commandHeaderSize
)

// sizeMask covers the top 3 bits of the wire size word, which carry the
// digest algorithm.
const sizeMask = uint64(7) << 61

// ErrBadFrame is returned for frames that violate the wire layout.
var ErrBadFrame = errors.New("quota: malformed command frame")

// Command is one decoded RPC. The wire size word packs the algorithm
// into its top 3 bits; decoding splits it apart immediately so domain
// logic never sees the packed form.
type Command struct {
	Type        CommandType
	Size        uint64
	Hash        digest.Digest
	ReturnPipe  int32
	Description string
}

// WriteCommand encodes cmd and writes it as a single atomic frame.
// Descriptions longer than the frame budget are truncated; the fixed
// header fields are never affected.
//
// The byte order is little-endian and stable across restarts; the pipe
// never crosses hosts.
func WriteCommand(w io.Writer, cmd Command) error {
	desc := cmd.Description
	if len(desc) > MaxDescription {
		slog.Debug("truncating oversized command description",
			"command", cmd.Type, "length", len(desc), "max", MaxDescription)
		desc = desc[:MaxDescription]
	}

	if cmd.Size&^sizeMask != cmd.Size {
		return fmt.Errorf("%w: size %d exceeds 61 bits", ErrBadFrame, cmd.Size)
	}

	// MD5 is excluded from the wire: algorithms are stored off by one so
	// the three flag bits cover SHA1 through Shake128.
	if cmd.Hash.Algorithm == digest.MD5 {
		return fmt.Errorf("%w: md5 digests cannot cross the command pipe", ErrBadFrame)
	}
	sizeWord := cmd.Size | uint64(cmd.Hash.Algorithm-1)<<61

	buf := make([]byte, commandHeaderSize+len(desc))
	buf[0] = byte(cmd.Type)
	binary.LittleEndian.PutUint64(buf[1:9], sizeWord)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(cmd.ReturnPipe))
	copy(buf[13:13+digest.MaxSize], cmd.Hash.Sum[:])
	binary.LittleEndian.PutUint16(buf[33:35], uint16(len(desc)))
	copy(buf[commandHeaderSize:], desc)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write command frame: %w", err)
	}
	return nil
}

// ReadCommand reads and decodes one frame. io.EOF is passed through
// untouched so the server loop can detect pipe shutdown.
func ReadCommand(r io.Reader) (Command, error) {
	var header [commandHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Command{}, io.EOF
		}
		return Command{}, fmt.Errorf("read command header: %w", err)
	}

	if header[0] > byte(CmdCleanupRate) && header[0] != byte(cmdShutdown) {
		return Command{}, fmt.Errorf("%w: unknown command type %d", ErrBadFrame, header[0])
	}

	sizeWord := binary.LittleEndian.Uint64(header[1:9])
	algo := digest.Algorithm(sizeWord>>61) + 1
	if !algo.Valid() {
		return Command{}, fmt.Errorf("%w: bad algorithm flags %d", ErrBadFrame, sizeWord>>61)
	}

	cmd := Command{
		Type:       CommandType(header[0]),
		Size:       sizeWord &^ sizeMask,
		ReturnPipe: int32(binary.LittleEndian.Uint32(header[9:13])),
	}
	sum := header[13 : 13+digest.MaxSize]
	d, err := digest.New(algo, sum[:algo.Size()], digest.SuffixNone)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	cmd.Hash = d

	descLen := binary.LittleEndian.Uint16(header[33:35])
	if descLen > MaxDescription {
		return Command{}, fmt.Errorf("%w: description length %d", ErrBadFrame, descLen)
	}
	if descLen > 0 {
		desc := make([]byte, descLen)
		if _, err := io.ReadFull(r, desc); err != nil {
			return Command{}, fmt.Errorf("read command description: %w", err)
		}
		cmd.Description = string(desc)
	}
	return cmd, nil
}

// coalescable reports whether the command may be buffered into a batched
// index transaction on the server side.
func (c Command) coalescable() bool {
	switch c.Type {
	case CmdInsert, CmdInsertVolatile, CmdTouch:
		return true
	default:
		return false
	}
}

// Reply framing: servers answer data-bearing commands with
// length-prefixed UTF-8 lines on the return pipe and then close it.

// WriteReplyLine writes one length-prefixed line.
func WriteReplyLine(w io.Writer, line string) error {
	buf := make([]byte, 4+len(line))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(line)))
	copy(buf[4:], line)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write reply line: %w", err)
	}
	return nil
}

// ReadReplyLine reads one length-prefixed line. io.EOF marks the end of
// the reply stream.
func ReadReplyLine(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", fmt.Errorf("read reply length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxReplyLine {
		return "", fmt.Errorf("%w: reply line length %d", ErrBadFrame, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read reply line: %w", err)
	}
	return string(buf), nil
}

// MaxReplyLine bounds a single reply line.
const MaxReplyLine = 64 * 1024

// ReadReplyLines drains a reply stream until the server closes it.
func ReadReplyLines(r io.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := ReadReplyLine(r)
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}
