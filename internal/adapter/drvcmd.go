package adapter

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/logdata"
	"github.com/piwi3910/mptpass/internal/metrics"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

const driverName = "mptpass"

// logDataHeaderSize prefixes each log data entry with the event sequence.
const logDataHeaderSize = 4

// exclusive runs a driver command under the passthrough class lock.
func (a *Adapter) exclusive(ctx context.Context, mode cmdslot.Mode, command string, fn func() error) error {
	start := time.Now()

	err := a.passthrough.Exclusive(ctx, mode, fn)

	code, _ := pterrors.CodeOf(err)
	metrics.RecordDriverCommand(a.name, command, metrics.Result(string(code), err))

	if err != nil {
		log.Debug().
			Err(err).
			Str("adapter", a.name).
			Str("command", command).
			Dur("elapsed", time.Since(start)).
			Msg("Driver command failed")
	}

	return err
}

// Info returns the adapter information record.
func (a *Adapter) Info(ctx context.Context, mode cmdslot.Mode) (InfoRecord, error) {
	var rec InfoRecord

	err := a.exclusive(ctx, mode, "info", func() error {
		pci := a.cfg.PCI
		rec = InfoRecord{
			AdapterType:       AdapterTypeAvgFamily,
			PCIDeviceID:       uint32(pci.DeviceID),
			PCIRevision:       uint32(pci.Revision),
			SubsystemDeviceID: uint32(pci.SubsystemDeviceID),
			SubsystemVendorID: uint32(pci.SubsystemVendorID),
			PCIDevice:         pci.Device,
			PCIFunction:       pci.Function,
			PCIBus:            pci.Bus,
			PCISegment:        uint32(pci.Segment),
			APIVersion:        DriverAPIVersion,
			ReplySize:         uint32(a.cfg.ReplySize),
		}
		copy(rec.DriverName[:], driverName)

		return nil
	})

	return rec, err
}

// TargetRecords returns one record per attached target.
func (a *Adapter) TargetRecords(ctx context.Context, mode cmdslot.Mode) ([]TargetRecord, error) {
	var recs []TargetRecord

	err := a.exclusive(ctx, mode, "all_target_info", func() error {
		for _, t := range a.Targets() {
			r := TargetRecord{
				Handle:       t.Handle,
				PersistentID: t.PersistentID,
				TargetID:     TargetIDUnexposed,
				BusID:        BusIDUnexposed,
				Reserved:     [3]uint8{0xFF, 0xFF, 0xFF},
			}

			if t.Exposed {
				r.TargetID = t.TargetID
				r.BusID = t.BusID
			}

			recs = append(recs, r)
		}

		return nil
	})

	return recs, err
}

// ChangeCount returns the topology change count.
func (a *Adapter) ChangeCount(ctx context.Context, mode cmdslot.Mode) (uint16, error) {
	var n uint16

	err := a.exclusive(ctx, mode, "change_count", func() error {
		a.mu.Lock()
		n = a.changeCount
		a.mu.Unlock()

		return nil
	})

	return n, err
}

// LogDataEntrySize is the size of one cached log data entry.
func (a *Adapter) LogDataEntrySize() int {
	return a.cfg.ReplySize - mpi.PELReplySize + logDataHeaderSize
}

// EnableLogData turns on log data caching. Enabling twice keeps the cache.
func (a *Adapter) EnableLogData(ctx context.Context, mode cmdslot.Mode) (LogDataEnableRecord, error) {
	rec := LogDataEnableRecord{
		MaxEntries: logdata.DefaultMaxEntries,
		EntrySize:  uint16(a.LogDataEntrySize()),
	}

	err := a.exclusive(ctx, mode, "logdata_enable", func() error {
		a.mu.Lock()
		defer a.mu.Unlock()

		if a.store != nil {
			return nil
		}

		store, err := a.opts.LogData(logdata.DefaultMaxEntries, a.LogDataEntrySize())
		if err != nil {
			return pterrors.Wrap(pterrors.ErrResourceExhausted, "log data cache: %v", err)
		}

		a.store = store

		log.Info().Str("adapter", a.name).Int("entry_size", a.LogDataEntrySize()).Msg("Log data caching enabled")

		return nil
	})

	return rec, err
}

// LogData returns as many whole cached entries as fit in capacity bytes, at
// most logdata.DefaultMaxEntries. It fails with pterrors.ErrInvalidArgument
// when caching is disabled or capacity cannot hold a single entry.
func (a *Adapter) LogData(ctx context.Context, mode cmdslot.Mode, capacity int) ([]byte, error) {
	var out []byte

	err := a.exclusive(ctx, mode, "get_logdata", func() error {
		a.mu.Lock()
		store := a.store
		a.mu.Unlock()

		size := a.LogDataEntrySize()
		if store == nil || capacity < size {
			return pterrors.Wrap(pterrors.ErrInvalidArgument, "log data read of %d bytes (entry %d, enabled %t)", capacity, size, store != nil)
		}

		entries, err := store.Entries(min(capacity/size, logdata.DefaultMaxEntries))
		if err != nil {
			return pterrors.Wrap(pterrors.ErrFault, "%v", err)
		}

		out = make([]byte, 0, len(entries)*size)
		for _, e := range entries {
			out = append(out, e...)
		}

		return nil
	})

	return out, err
}

// Reset runs a user-requested controller reset.
func (a *Adapter) Reset(ctx context.Context, mode cmdslot.Mode, resetType uint8) error {
	return a.exclusive(ctx, mode, "reset", func() error {
		switch resetType {
		case ResetSoft:
			a.RequestRecovery(cmdslot.CauseUserSoftReset)
		case ResetDiagFault:
			a.RequestRecovery(cmdslot.CauseUserDiagFault)
		default:
			return pterrors.Wrap(pterrors.ErrInvalidArgument, "unknown reset type %d", resetType)
		}

		return nil
	})
}

// EnablePEL starts or widens persistent event log monitoring. A request
// already covered by the active class and locale is a no-op; otherwise the
// two are merged, the outstanding wait is aborted and a new wait is posted.
func (a *Adapter) EnablePEL(ctx context.Context, mode cmdslot.Mode, class uint8, locale uint16) error {
	return a.exclusive(ctx, mode, "pel_enable", func() error {
		if class > mpi.PELClassFault {
			return pterrors.Wrap(pterrors.ErrInvalidArgument, "PEL class %d out of range", class)
		}

		a.mu.Lock()
		prev := a.pel
		a.mu.Unlock()

		if prev.enabled {
			if prev.class <= class && (prev.locale&locale)^locale == 0 {
				return nil
			}

			locale |= prev.locale
			class = min(class, prev.class)

			if err := a.abortPEL(ctx); err != nil {
				return err
			}
		}

		a.mu.Lock()
		a.pel.class = class
		a.pel.locale = locale
		a.pel.enabled = true
		a.mu.Unlock()

		if err := a.postPELWait(); err != nil {
			a.mu.Lock()
			a.pel.class = prev.class
			a.pel.locale = prev.locale
			a.pel.enabled = false
			a.mu.Unlock()

			return err
		}

		log.Info().Str("adapter", a.name).Uint8("class", class).Uint16("locale", locale).Msg("PEL monitoring enabled")

		return nil
	})
}

// PELState reports the active PEL class and locale.
func (a *Adapter) PELState() (enabled bool, class uint8, locale uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.pel.enabled, a.pel.class, a.pel.locale
}

// abortPEL cancels the outstanding PEL wait through the auxiliary class.
func (a *Adapter) abortPEL(ctx context.Context) error {
	if err := a.Available(); err != nil {
		return err
	}

	cmd, err := a.pelAbort.Acquire(ctx, cmdslot.Blocking, a.Available)
	if err != nil {
		return err
	}
	defer cmd.Release()

	a.mu.Lock()
	a.pel.abortRequested = true
	cc := a.changeCount
	a.mu.Unlock()

	frame, err := mpi.EncodeFrame(&mpi.PELRequest{
		HostTag:      mpi.HostTagPELAbort,
		Function:     mpi.FunctionPersistentEventLog,
		ChangeCount:  cc,
		Action:       mpi.PELActionAbort,
		AbortHostTag: mpi.HostTagPELWait,
	})
	if err != nil {
		return err
	}

	if err := cmd.Submit(frame, a); err != nil {
		a.mu.Lock()
		a.pel.abortRequested = false
		a.mu.Unlock()

		return err
	}

	out, err := cmd.Wait(a.opts.PELAbortTimeout, a, cmdslot.CausePELAbortTimeout)
	if err != nil {
		if code, _ := pterrors.CodeOf(err); code == pterrors.CodeTimeout {
			metrics.RecordTimeout(a.name, a.pelAbort.Name())
		}

		return err
	}

	if out.IOCStatus&mpi.IOCStatusMask != mpi.IOCStatusSuccess {
		return pterrors.Wrap(pterrors.ErrTransientFailure, "PEL abort failed, ioc_status 0x%04x log_info 0x%08x", out.IOCStatus, out.IOCLogInfo)
	}

	if out.ReplyValid {
		var reply mpi.PELReply
		if err := mpi.Decode(out.Reply, &reply); err != nil {
			return pterrors.Wrap(pterrors.ErrTransientFailure, "PEL abort reply: %v", err)
		}

		if reply.PELogStatus != mpi.PELStatusSuccess {
			return pterrors.Wrap(pterrors.ErrTransientFailure, "PEL abort failed, pel_status 0x%04x", reply.PELogStatus)
		}
	}

	return nil
}

// postPELWait submits a wait for the next persistent event.
func (a *Adapter) postPELWait() error {
	a.mu.Lock()
	req := mpi.PELRequest{
		HostTag:          mpi.HostTagPELWait,
		Function:         mpi.FunctionPersistentEventLog,
		ChangeCount:      a.changeCount,
		Action:           mpi.PELActionGetSeqNum,
		StartingSequence: a.pel.sequence,
		Locale:           a.pel.locale,
		Class:            a.pel.class,
	}
	a.mu.Unlock()

	frame, err := mpi.EncodeFrame(&req)
	if err != nil {
		return err
	}

	if err := a.fw.Submit(frame); err != nil {
		return pterrors.Wrap(pterrors.ErrTransientFailure, "post PEL wait: %v", err)
	}

	return nil
}

// pelWaitComplete handles the completion of the asynchronous PEL wait: the
// event becomes a log data entry when caching is on and the next wait is
// posted.
func (a *Adapter) pelWaitComplete(c cmdslot.Completion) {
	var reply mpi.PELReply
	if err := mpi.Decode(c.Reply, &reply); err != nil {
		log.Error().Err(err).Str("adapter", a.name).Msg("Malformed PEL wait reply")
		return
	}

	a.mu.Lock()

	if reply.PELogStatus == mpi.PELStatusAborted && a.pel.abortRequested {
		a.pel.abortRequested = false
		a.mu.Unlock()

		return
	}

	if c.IOCStatus&mpi.IOCStatusMask != mpi.IOCStatusSuccess || reply.PELogStatus != mpi.PELStatusSuccess {
		a.pel.enabled = false
		a.mu.Unlock()

		log.Warn().
			Str("adapter", a.name).
			Uint16("ioc_status", c.IOCStatus).
			Uint16("pel_status", reply.PELogStatus).
			Msg("PEL wait failed, monitoring disabled")

		return
	}

	seq := a.pel.sequence
	a.pel.sequence++
	store := a.store
	enabled := a.pel.enabled
	a.mu.Unlock()

	if store != nil {
		entry := make([]byte, logDataHeaderSize, a.LogDataEntrySize())
		binary.LittleEndian.PutUint32(entry, seq)
		entry = append(entry, c.Reply[mpi.PELReplySize:]...)

		if err := store.Append(entry); err != nil {
			log.Error().Err(err).Str("adapter", a.name).Msg("Failed to cache log data entry")
		} else {
			metrics.RecordLogDataEntry(a.name)
		}
	}

	if enabled && !a.resetting.Load() {
		if err := a.postPELWait(); err != nil {
			log.Error().Err(err).Str("adapter", a.name).Msg("Failed to repost PEL wait")
		}
	}
}
