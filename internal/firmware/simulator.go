// Package firmware provides a simulated controller firmware for testing and
// for running the daemon without hardware.
//
// The simulator consumes request frames asynchronously, performs the data
// movement the real controller would do by resolving device addresses through
// a Memory, and posts completions to a handler keyed by host tag.
package firmware

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/mpi"
)

// Simulator errors.
var (
	ErrNotRunning = errors.New("firmware: not running")
	ErrQueueFull  = errors.New("firmware: submission queue full")
	ErrRejected   = errors.New("firmware: request rejected")
	ErrShortFrame = errors.New("firmware: request frame too short")
)

// Simulated firmware defaults.
const (
	DefaultQueueDepth = 64
	// Simulated processing latency per request.
	DefaultLatency = 50 * time.Microsecond
)

// Memory resolves device addresses to host bytes.
type Memory interface {
	Resolve(addr uint64, n int) ([]byte, error)
}

// CompletionHandler receives every completion the firmware posts.
type CompletionHandler func(hostTag uint16, c cmdslot.Completion)

// PageSizes returns the NVMe page size of an attached device.
type PageSizes func(handle uint16) (uint32, bool)

// Config configures a Simulator.
type Config struct {
	PageSizes  PageSizes
	Modifier   mpi.AddressModifier
	Latency    time.Duration
	QueueDepth int
	ReplySize  int
}

// Fault alters how the next generic, management or NVMe request is handled.
type Fault struct {
	Sense      []byte
	IOCLogInfo uint32
	IOCStatus  uint16
	// Stall accepts the request and never completes it.
	Stall bool
	// Reject fails the submission itself.
	Reject     bool
	StatusOnly bool
}

// Stats is a snapshot of simulator activity.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Stalled   int64 `json:"stalled"`
	Dropped   int64 `json:"dropped"`
	Resets    int64 `json:"resets"`
}

type request struct {
	frame mpi.Frame
	gen   uint64
}

type pelWait struct {
	hostTag  uint16
	sequence uint32
	locale   uint16
	class    uint8
}

// Simulator is an in-process controller firmware.
type Simulator struct {
	mem        Memory
	handler    CompletionHandler
	queue      chan request
	stop       chan struct{}
	namespaces map[uint16][]byte
	pel        *pelWait
	faults     []Fault
	cfg        Config
	stats      Stats
	gen        uint64
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// New creates a simulator. Completions are delivered to handler from the
// simulator's worker goroutine.
func New(cfg Config, mem Memory, handler CompletionHandler) *Simulator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}

	if cfg.ReplySize <= 0 {
		cfg.ReplySize = mpi.DefaultReplySize
	}

	if cfg.PageSizes == nil {
		cfg.PageSizes = func(uint16) (uint32, bool) { return 0, false }
	}

	return &Simulator{
		mem:        mem,
		handler:    handler,
		cfg:        cfg,
		namespaces: make(map[uint16][]byte),
	}
}

// Start launches the worker.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.queue = make(chan request, s.cfg.QueueDepth)
	s.stop = make(chan struct{})
	s.running = true

	s.wg.Add(1)

	go s.run(s.queue, s.stop)
}

// Close stops the worker. Queued requests are dropped.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()

	return nil
}

// Inject queues faults applied, in order, to the next requests that are not
// persistent event log requests.
func (s *Simulator) Inject(faults ...Fault) {
	s.mu.Lock()
	s.faults = append(s.faults, faults...)
	s.mu.Unlock()
}

// Submit enqueues a copy of frame.
func (s *Simulator) Submit(frame []byte) error {
	if len(frame) < mpi.NVMeCommandOffset {
		return ErrShortFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}

	f := mpi.Frame(append([]byte(nil), frame...))

	if f.Function() != mpi.FunctionPersistentEventLog && len(s.faults) > 0 && s.faults[0].Reject {
		s.faults = s.faults[1:]
		return ErrRejected
	}

	select {
	case s.queue <- request{frame: f, gen: s.gen}:
		s.stats.Submitted++
		return nil
	default:
		return ErrQueueFull
	}
}

// Reset discards every queued, stalled or waiting request, as a controller
// reset does.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.pel = nil
	s.stats.Resets++

	log.Debug().Uint64("generation", s.gen).Msg("Simulated firmware reset")
}

// Stats returns activity counters.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// PELWaitPending reports whether a persistent event log wait is outstanding.
func (s *Simulator) PELWaitPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pel != nil
}

// RaiseEvent posts a persistent event. It completes the outstanding wait, if
// any, when class and locale match it, and reports whether it did. data is
// carried behind the reply header.
func (s *Simulator) RaiseEvent(class uint8, locale uint16, data []byte) bool {
	s.mu.Lock()

	w := s.pel
	if w == nil || class < w.class || locale&w.locale == 0 {
		s.mu.Unlock()
		return false
	}

	s.pel = nil
	s.mu.Unlock()

	s.pelReply(w.hostTag, mpi.IOCStatusSuccess, mpi.PELStatusSuccess, data)

	return true
}

func (s *Simulator) run(queue <-chan request, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-stop:
			return
		case req := <-queue:
			if s.cfg.Latency > 0 {
				select {
				case <-time.After(s.cfg.Latency):
				case <-stop:
					return
				}
			}

			s.process(req)
		}
	}
}

func (s *Simulator) process(req request) {
	s.mu.Lock()
	if req.gen != s.gen {
		s.stats.Dropped++
		s.mu.Unlock()

		return
	}

	fn := req.frame.Function()

	var fault Fault
	if fn != mpi.FunctionPersistentEventLog && len(s.faults) > 0 {
		fault = s.faults[0]
		s.faults = s.faults[1:]
	}

	if fault.Stall {
		s.stats.Stalled++
		s.mu.Unlock()

		return
	}
	s.mu.Unlock()

	var status uint16

	switch fn {
	case mpi.FunctionPersistentEventLog:
		s.handlePEL(req.frame)
		return
	case mpi.FunctionMgmtPassthrough:
		status = s.handleMgmt(req.frame)
	case mpi.FunctionNVMeEncapsulated:
		status = s.handleNVMe(req.frame)
	default:
		status = s.handleGeneric(req.frame)
	}

	if fault.IOCStatus != 0 {
		status = fault.IOCStatus
	}

	c := cmdslot.Completion{
		IOCStatus:  status,
		IOCLogInfo: fault.IOCLogInfo,
		Sense:      fault.Sense,
	}

	if !fault.StatusOnly {
		reply, err := s.replyFrame(req.frame, status, fault.IOCLogInfo)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode simulated reply")
		}

		c.Reply = reply
	}

	s.post(req.frame.HostTag(), c)
}

func (s *Simulator) post(tag uint16, c cmdslot.Completion) {
	s.mu.Lock()
	s.stats.Completed++
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(tag, c)
	}
}

func (s *Simulator) replyFrame(req mpi.Frame, status uint16, logInfo uint32) ([]byte, error) {
	hdr, err := mpi.Encode(&mpi.ReplyHeader{
		HostTag:    req.HostTag(),
		Function:   req.Function(),
		IOCStatus:  status,
		IOCLogInfo: logInfo,
	})
	if err != nil {
		return nil, err
	}

	reply := make([]byte, s.cfg.ReplySize)
	copy(reply, hdr)

	return reply, nil
}

func (s *Simulator) resolve(sge mpi.SGE) ([]byte, error) {
	if sge.IsZeroLength() || sge.Length == 0 {
		return nil, nil
	}

	return s.mem.Resolve(s.cfg.Modifier.Strip(sge.Address), int(sge.Length))
}

// handleMgmt echoes the command payload into the response buffer.
func (s *Simulator) handleMgmt(f mpi.Frame) uint16 {
	cmdSGE, err := mpi.DecodeSGE(f[mpi.MgmtCommandSGLOffset:])
	if err != nil {
		return mpi.IOCStatusInvalid
	}

	respSGE, err := mpi.DecodeSGE(f[mpi.MgmtResponseSGLOffset:])
	if err != nil {
		return mpi.IOCStatusInvalid
	}

	cmd, err := s.resolve(cmdSGE)
	if err != nil {
		log.Debug().Err(err).Msg("Management command buffer not mapped")
		return mpi.IOCStatusInvalid
	}

	resp, err := s.resolve(respSGE)
	if err != nil {
		log.Debug().Err(err).Msg("Management response buffer not mapped")
		return mpi.IOCStatusInvalid
	}

	copy(resp, cmd)

	return mpi.IOCStatusSuccess
}

// handleGeneric copies the first data element into the second. The SGL sits at
// the offset named in the frame header, or behind a 32 byte body if unset.
func (s *Simulator) handleGeneric(f mpi.Frame) uint16 {
	off := f.SGLOffset()
	if off == 0 {
		off = mpi.GenericSGLOffset
	}

	if off > len(f) {
		return mpi.IOCStatusInvalid
	}

	sgl, err := mpi.DecodeSGL(f[off:])
	if err != nil {
		return mpi.IOCStatusInvalid
	}

	if len(sgl) < 2 {
		return mpi.IOCStatusSuccess
	}

	src, err := s.resolve(sgl[0])
	if err != nil {
		return mpi.IOCStatusInvalid
	}

	dst, err := s.resolve(sgl[1])
	if err != nil {
		return mpi.IOCStatusInvalid
	}

	copy(dst, src)

	return mpi.IOCStatusSuccess
}
