// Package shmchannel implements the named single-producer/single-consumer
// shared-memory ring of fixed-size audio frames that connects the
// telephony process to the audio processors. One producer task and one
// consumer task share a Channel; no locking is required inside it, only
// the header's atomic indices.
package shmchannel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magic         uint32 = 0x53484d31 // "SHM1"
	headerVersion uint32 = 1

	// headerSize is the fixed, versioned header occupying the start of the
	// mapped region. Fields past the 32-bit scalars are 8-byte aligned so
	// the atomic indices can be addressed directly from the mapping.
	headerSize = 64

	// DefaultFrameSize is 20ms of 8kHz mu-law telephony audio.
	DefaultFrameSize = 160
	// DefaultCapacity is the default ring depth in frames.
	DefaultCapacity = 2048
)

// shmDir is the directory backing named regions. It is a var, not a
// const, so tests can point it at a scratch directory instead of the
// real /dev/shm.
var shmDir = "/dev/shm"

// ErrNotFound is returned by CreateOrOpen when create is false and the
// named region does not already exist.
var ErrNotFound = errors.New("shmchannel: region not found")

// Role is an advisory tag recorded by SetRoleProducer/SetRoleConsumer; cross-role use is a
// programming error, not something this package detects at runtime.
type Role int

const (
	RoleUnset Role = iota
	RoleProducer
	RoleConsumer
)

// Channel is one open named SPSC ring. The zero value is not usable; use
// CreateOrOpen.
type Channel struct {
	name string
	file *os.File
	data []byte // full mapping: header + capacity*frameSize

	capacity  uint32
	frameSize uint32
	role      Role

	writeIdx *atomic.Uint64
	readIdx  *atomic.Uint64
	dropped  *atomic.Uint64
}

// InboundName returns the named region for the phone->STT-side channel
// of the given call ("/ap_in_<id>").
func InboundName(callID int) string {
	return fmt.Sprintf("/ap_in_%d", callID)
}

// OutboundName returns the named region for the TTS-side->phone channel
// of the given call ("/ap_out_<id>").
func OutboundName(callID int) string {
	return fmt.Sprintf("/ap_out_%d", callID)
}

func shmPath(name string) string {
	return filepath.Join(shmDir, trimLeadingSlash(name))
}

func trimLeadingSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// CreateOrOpen creates and zero-initializes the named region when create
// is true; otherwise it opens an existing region, failing with
// ErrNotFound if absent. callID is stamped into the header for
// diagnostics. capacity and frameSize are only meaningful (and required)
// when create is true; when opening an existing region they are read
// back from the header.
func CreateOrOpen(name string, callID int, capacity, frameSize uint32, create bool) (*Channel, error) {
	path := shmPath(name)

	var f *os.File
	var err error
	totalSize := int64(headerSize) + int64(capacity)*int64(frameSize)

	if create {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("shmchannel: creating %s: %w", path, err)
		}
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("shmchannel: sizing %s: %w", path, err)
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0o600)
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("shmchannel: opening %s: %w", path, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("shmchannel: stat %s: %w", path, err)
		}
		totalSize = st.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmchannel: mmap %s: %w", path, err)
	}

	c := &Channel{name: name, file: f, data: data}
	c.writeIdx = (*atomic.Uint64)(unsafe.Pointer(&data[24]))
	c.readIdx = (*atomic.Uint64)(unsafe.Pointer(&data[32]))
	c.dropped = (*atomic.Uint64)(unsafe.Pointer(&data[40]))

	if create {
		binary.LittleEndian.PutUint32(data[0:4], magic)
		binary.LittleEndian.PutUint32(data[4:8], headerVersion)
		binary.LittleEndian.PutUint32(data[8:12], uint32(callID))
		binary.LittleEndian.PutUint32(data[12:16], capacity)
		binary.LittleEndian.PutUint32(data[16:20], frameSize)
		c.writeIdx.Store(0)
		c.readIdx.Store(0)
		c.dropped.Store(0)
		c.capacity = capacity
		c.frameSize = frameSize
	} else {
		gotMagic := binary.LittleEndian.Uint32(data[0:4])
		if gotMagic != magic {
			c.Close()
			return nil, fmt.Errorf("shmchannel: %s: bad magic %#x", path, gotMagic)
		}
		c.capacity = binary.LittleEndian.Uint32(data[12:16])
		c.frameSize = binary.LittleEndian.Uint32(data[16:20])
	}

	return c, nil
}

// SetRoleProducer and SetRoleConsumer are advisory annotations; this
// package does not enforce them at runtime. They exist so callers can
// assert at startup that a channel was opened for the role they expect.
func (c *Channel) SetRoleProducer() { c.role = RoleProducer }
func (c *Channel) SetRoleConsumer() { c.role = RoleConsumer }

// Role reports the advisory role set by SetRoleProducer/SetRoleConsumer.
func (c *Channel) Role() Role { return c.role }

// DroppedFrames returns the number of frames evicted by write-side
// backpressure since the channel was created.
func (c *Channel) DroppedFrames() uint64 { return c.dropped.Load() }

// TotalDroppedFrames implements metrics.ShmStats for a single channel: one
// audio-processor binary owns exactly one channel per call, so "total" and
// "this channel's" dropped-frame count coincide.
func (c *Channel) TotalDroppedFrames() uint64 { return c.DroppedFrames() }

// Capacity returns the configured ring depth in frames.
func (c *Channel) Capacity() uint32 { return c.capacity }

// FrameSize returns the configured frame size in bytes.
func (c *Channel) FrameSize() uint32 { return c.frameSize }

// ErrFull names the ring-full condition. WriteFrame never returns it: on a
// full ring it evicts the oldest frame instead (see the backpressure
// policy), and evictions are observable only through DroppedFrames.
var ErrFull = errors.New("shmchannel: ring full")

func (c *Channel) slot(idx uint64) []byte {
	slotNum := idx % uint64(c.capacity)
	start := headerSize + slotNum*uint64(c.frameSize)
	return c.data[start : start+uint64(c.frameSize)]
}

// WriteFrame enqueues one frame. len(frame) must equal FrameSize(). If the
// ring is full, the oldest unread frame is dropped in favor of this one
// and the dropped-frame counter is incremented; WriteFrame otherwise
// always succeeds.
func (c *Channel) WriteFrame(frame []byte) error {
	if uint32(len(frame)) != c.frameSize {
		return fmt.Errorf("shmchannel: frame length %d != frame size %d", len(frame), c.frameSize)
	}

	w := c.writeIdx.Load()
	r := c.readIdx.Load()
	if w-r >= uint64(c.capacity) {
		// Full: evict the oldest frame by advancing read_idx past it.
		c.readIdx.Store(r + 1)
		c.dropped.Add(1)
	}

	copy(c.slot(w), frame)
	c.writeIdx.Store(w + 1)
	return nil
}

// ReadFrame returns the oldest unread frame, or nil if the ring is empty.
// The returned slice is a copy; it remains valid after the slot is
// recycled by a subsequent write.
func (c *Channel) ReadFrame() []byte {
	r := c.readIdx.Load()
	w := c.writeIdx.Load()
	if r >= w {
		return nil
	}
	out := make([]byte, c.frameSize)
	copy(out, c.slot(r))
	c.readIdx.Store(r + 1)
	return out
}

// Close unmaps and closes the underlying region. It does not remove the
// backing file; the telephony process that created the channel owns its
// lifetime.
func (c *Channel) Close() error {
	var errs []error
	if c.data != nil {
		if err := unix.Munmap(c.data); err != nil {
			errs = append(errs, err)
		}
		c.data = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
