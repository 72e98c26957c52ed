// Package adapter models one controller instance: its facts, target table,
// command slots, simulated firmware and the passthrough engine bound to them.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/dma"
	"github.com/piwi3910/mptpass/internal/firmware"
	"github.com/piwi3910/mptpass/internal/logdata"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/internal/passthrough"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// DefaultPELAbortTimeout bounds the wait for a PEL abort acknowledgement.
const DefaultPELAbortTimeout = 60 * time.Second

// minReplySize leaves room for a PEL reply and at least 8 bytes of event data.
const minReplySize = 32

// SGEModifier is the device address modifier advertised by the firmware.
type SGEModifier struct {
	Mask  uint8 `json:"mask" yaml:"mask" mapstructure:"mask"`
	Value uint8 `json:"value" yaml:"value" mapstructure:"value"`
	Shift uint8 `json:"shift" yaml:"shift" mapstructure:"shift"`
}

// PCIInfo locates the adapter on the PCI bus.
type PCIInfo struct {
	DeviceID          uint16 `json:"deviceId" yaml:"deviceId" mapstructure:"device_id"`
	Revision          uint8  `json:"revision" yaml:"revision" mapstructure:"revision"`
	SubsystemDeviceID uint16 `json:"subsystemDeviceId" yaml:"subsystemDeviceId" mapstructure:"subsystem_device_id"`
	SubsystemVendorID uint16 `json:"subsystemVendorId" yaml:"subsystemVendorId" mapstructure:"subsystem_vendor_id"`
	Segment           uint16 `json:"segment" yaml:"segment" mapstructure:"segment"`
	Bus               uint8  `json:"bus" yaml:"bus" mapstructure:"bus"`
	Device            uint8  `json:"device" yaml:"device" mapstructure:"device"`
	Function          uint8  `json:"function" yaml:"function" mapstructure:"function"`
}

// Target is an attached device.
type Target struct {
	Handle       uint16 `json:"handle" yaml:"handle" mapstructure:"handle"`
	PersistentID uint16 `json:"persistentId" yaml:"persistentId" mapstructure:"persistent_id"`
	BusID        uint8  `json:"busId" yaml:"busId" mapstructure:"bus_id"`
	TargetID     uint32 `json:"targetId" yaml:"targetId" mapstructure:"target_id"`
	Exposed      bool   `json:"exposed" yaml:"exposed" mapstructure:"exposed"`
	// PageSizeExp is the NVMe page size as a power of two, 0 for non-NVMe
	// devices.
	PageSizeExp uint8 `json:"pageSizeExp" yaml:"pageSizeExp" mapstructure:"page_size_exp"`
}

// FirmwareConfig tunes the simulated firmware.
type FirmwareConfig struct {
	Latency    time.Duration `json:"latency" yaml:"latency" mapstructure:"latency"`
	QueueDepth int           `json:"queueDepth" yaml:"queueDepth" mapstructure:"queue_depth"`
}

// Config describes one adapter.
type Config struct {
	Name        string         `json:"name" yaml:"name" mapstructure:"name"`
	Targets     []Target       `json:"targets" yaml:"targets" mapstructure:"targets"`
	Firmware    FirmwareConfig `json:"firmware" yaml:"firmware" mapstructure:"firmware"`
	PCI         PCIInfo        `json:"pci" yaml:"pci" mapstructure:"pci"`
	ID          int            `json:"id" yaml:"id" mapstructure:"id"`
	ReplySize   int            `json:"replySize" yaml:"replySize" mapstructure:"reply_size"`
	SGEModifier SGEModifier    `json:"sgeModifier" yaml:"sgeModifier" mapstructure:"sge_modifier"`
}

// StoreFactory creates the log data ring when caching is first enabled.
type StoreFactory func(maxEntries, entrySize int) (logdata.Store, error)

// Options are the process-wide settings shared by adapters.
type Options struct {
	LogData         StoreFactory
	DMA             dma.Config
	MinTimeout      time.Duration
	PELAbortTimeout time.Duration
}

type pelState struct {
	sequence       uint32
	locale         uint16
	class          uint8
	enabled        bool
	abortRequested bool
}

// Adapter is one controller.
type Adapter struct {
	pool        *dma.Pool
	fw          *firmware.Simulator
	passthrough *cmdslot.Slot
	pelAbort    *cmdslot.Slot
	engine      *passthrough.Engine
	store       logdata.Store
	targets     map[uint16]Target
	recoveries  map[cmdslot.Cause]int64
	opts        Options
	cfg         Config
	mod         mpi.AddressModifier
	pel         pelState
	name        string
	resetting   atomic.Bool
	blocked     atomic.Bool
	changeCount uint16
	mu          sync.Mutex
}

// New creates and starts an adapter.
func New(cfg Config, opts Options) (*Adapter, error) {
	if cfg.ReplySize == 0 {
		cfg.ReplySize = mpi.DefaultReplySize
	}

	if cfg.ReplySize < minReplySize {
		return nil, fmt.Errorf("adapter %d: reply size %d too small", cfg.ID, cfg.ReplySize)
	}

	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("adapter%d", cfg.ID)
	}

	if opts.PELAbortTimeout <= 0 {
		opts.PELAbortTimeout = DefaultPELAbortTimeout
	}

	if opts.LogData == nil {
		opts.LogData = func(maxEntries, entrySize int) (logdata.Store, error) {
			return logdata.NewMemoryStore(maxEntries, entrySize)
		}
	}

	a := &Adapter{
		cfg:         cfg,
		opts:        opts,
		name:        cfg.Name,
		pool:        dma.NewPool(cfg.Name, opts.DMA),
		passthrough: cmdslot.New("passthrough", mpi.HostTagPassthrough),
		pelAbort:    cmdslot.New("pel_abort", mpi.HostTagPELAbort),
		mod:         mpi.NewAddressModifier(cfg.SGEModifier.Mask, cfg.SGEModifier.Value, cfg.SGEModifier.Shift),
		targets:     make(map[uint16]Target, len(cfg.Targets)),
		recoveries:  make(map[cmdslot.Cause]int64),
	}

	for _, t := range cfg.Targets {
		if _, dup := a.targets[t.Handle]; dup {
			return nil, fmt.Errorf("adapter %d: duplicate target handle 0x%04x", cfg.ID, t.Handle)
		}

		a.targets[t.Handle] = t
	}

	a.fw = firmware.New(firmware.Config{
		PageSizes:  a.DevicePageSize,
		Modifier:   a.mod,
		Latency:    cfg.Firmware.Latency,
		QueueDepth: cfg.Firmware.QueueDepth,
		ReplySize:  cfg.ReplySize,
	}, a.pool, a.complete)

	a.engine = passthrough.NewEngine(cfg.Name, a, a.passthrough, passthrough.Options{MinTimeout: opts.MinTimeout})

	a.fw.Start()

	log.Info().
		Int("adapter_id", cfg.ID).
		Str("adapter", cfg.Name).
		Int("reply_size", cfg.ReplySize).
		Int("targets", len(a.targets)).
		Msg("Adapter initialized")

	return a, nil
}

// Close stops the firmware and releases the log data ring.
func (a *Adapter) Close() error {
	if err := a.fw.Close(); err != nil {
		return err
	}

	a.mu.Lock()
	store := a.store
	a.mu.Unlock()

	if store != nil {
		return store.Close()
	}

	return nil
}

// ID returns the registry key.
func (a *Adapter) ID() int { return a.cfg.ID }

// Name returns the adapter name used in logs and metrics.
func (a *Adapter) Name() string { return a.name }

// Config returns the adapter configuration.
func (a *Adapter) Config() Config { return a.cfg }

// Firmware exposes the simulated firmware for fault injection and events.
func (a *Adapter) Firmware() *firmware.Simulator { return a.fw }

// Pool returns the adapter's device memory.
func (a *Adapter) Pool() *dma.Pool { return a.pool }

// DMAUsage returns device memory in use and the pool limit.
func (a *Adapter) DMAUsage() (inUse, limit int64) {
	return a.pool.Stats().BytesInUse, a.pool.Capacity()
}

// Execute runs a passthrough command.
func (a *Adapter) Execute(ctx context.Context, req *passthrough.Request) (*passthrough.Result, error) {
	return a.engine.Execute(ctx, req)
}

// Submit implements cmdslot.Submitter.
func (a *Adapter) Submit(frame []byte) error {
	return a.fw.Submit(frame)
}

// DevicePageSize implements passthrough.PageSizer.
func (a *Adapter) DevicePageSize(handle uint16) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.targets[handle]
	if !ok || t.PageSizeExp == 0 {
		return 0, false
	}

	return 1 << t.PageSizeExp, true
}

// Allocator implements passthrough.Controller.
func (a *Adapter) Allocator() dma.Allocator { return a.pool }

// AddressModifier implements passthrough.Controller.
func (a *Adapter) AddressModifier() mpi.AddressModifier { return a.mod }

// ReplySize implements passthrough.Controller.
func (a *Adapter) ReplySize() int { return a.cfg.ReplySize }

// Available implements passthrough.Controller.
func (a *Adapter) Available() error {
	if a.resetting.Load() {
		return pterrors.Wrap(pterrors.ErrUnavailable, "%s: reset in progress", a.name)
	}

	if a.blocked.Load() {
		return pterrors.Wrap(pterrors.ErrUnavailable, "%s: commands blocked", a.name)
	}

	return nil
}

// Block makes new command acquisitions fail with pterrors.ErrUnavailable
// until Unblock.
func (a *Adapter) Block() {
	if !a.blocked.Swap(true) {
		log.Info().Str("adapter", a.name).Msg("Adapter commands blocked")
	}
}

// Unblock reverses Block.
func (a *Adapter) Unblock() {
	if a.blocked.Swap(false) {
		log.Info().Str("adapter", a.name).Msg("Adapter commands unblocked")
	}
}

// Blocked reports whether commands are administratively blocked.
func (a *Adapter) Blocked() bool { return a.blocked.Load() }

// Resetting reports whether a recovery is running.
func (a *Adapter) Resetting() bool { return a.resetting.Load() }

// Targets returns the target table ordered by handle.
func (a *Adapter) Targets() []Target {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Target, 0, len(a.targets))
	for _, t := range a.cfg.Targets {
		out = append(out, a.targets[t.Handle])
	}

	return out
}

// complete routes a firmware completion to the class owning its host tag.
func (a *Adapter) complete(tag uint16, c cmdslot.Completion) {
	switch tag {
	case mpi.HostTagPassthrough:
		if !a.passthrough.Complete(c) {
			log.Debug().Str("adapter", a.name).Msg("Discarded passthrough completion with no waiter")
		}
	case mpi.HostTagPELAbort:
		if !a.pelAbort.Complete(c) {
			log.Debug().Str("adapter", a.name).Msg("Discarded PEL abort completion with no waiter")
		}
	case mpi.HostTagPELWait:
		a.pelWaitComplete(c)
	default:
		log.Warn().Str("adapter", a.name).Uint16("host_tag", tag).Msg("Completion for unknown host tag")
	}
}
