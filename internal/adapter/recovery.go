package adapter

import (
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/metrics"
)

// RequestRecovery implements cmdslot.Recoverer. It resets the controller:
// new acquisitions fail with pterrors.ErrUnavailable while it runs, pending
// commands of every class are flushed, the firmware drops outstanding work and
// an enabled PEL wait is posted again. A request arriving while a recovery is
// already running is absorbed by it.
func (a *Adapter) RequestRecovery(cause cmdslot.Cause) {
	if !a.resetting.CompareAndSwap(false, true) {
		log.Debug().Str("adapter", a.name).Str("cause", string(cause)).Msg("Recovery already in progress")
		return
	}
	defer a.resetting.Store(false)

	log.Warn().Str("adapter", a.name).Str("cause", string(cause)).Msg("Controller recovery started")
	metrics.RecordRecovery(a.name, string(cause))

	flushed := 0
	for _, s := range []*cmdslot.Slot{a.passthrough, a.pelAbort} {
		if s.Flush() {
			flushed++
		}
	}

	a.fw.Reset()

	a.mu.Lock()
	a.recoveries[cause]++
	a.changeCount++
	a.pel.abortRequested = false
	repost := a.pel.enabled
	a.mu.Unlock()

	if repost {
		if err := a.postPELWait(); err != nil {
			log.Error().Err(err).Str("adapter", a.name).Msg("Failed to repost PEL wait after recovery")
		}
	}

	log.Info().Str("adapter", a.name).Int("flushed", flushed).Msg("Controller recovery complete")
}

// Recoveries returns how many recoveries each cause triggered.
func (a *Adapter) Recoveries() map[cmdslot.Cause]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[cmdslot.Cause]int64, len(a.recoveries))
	for k, v := range a.recoveries {
		out[k] = v
	}

	return out
}
