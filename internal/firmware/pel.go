package firmware

import (
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/mpi"
)

func (s *Simulator) handlePEL(f mpi.Frame) {
	var req mpi.PELRequest
	if err := mpi.Decode(f, &req); err != nil {
		s.pelReply(f.HostTag(), mpi.IOCStatusInvalid, 0, nil)
		return
	}

	switch req.Action {
	case mpi.PELActionGetSeqNum:
		s.mu.Lock()
		s.pel = &pelWait{
			hostTag:  req.HostTag,
			sequence: req.StartingSequence,
			locale:   req.Locale,
			class:    req.Class,
		}
		s.mu.Unlock()

		log.Debug().
			Uint32("sequence", req.StartingSequence).
			Uint8("class", req.Class).
			Uint16("locale", req.Locale).
			Msg("Simulated PEL wait posted")
	case mpi.PELActionAbort:
		s.mu.Lock()
		w := s.pel
		if w != nil && w.hostTag == req.AbortHostTag {
			s.pel = nil
		} else {
			w = nil
		}
		s.mu.Unlock()

		if w != nil {
			s.pelReply(w.hostTag, mpi.IOCStatusSuccess, mpi.PELStatusAborted, nil)
		}

		s.pelReply(req.HostTag, mpi.IOCStatusSuccess, mpi.PELStatusSuccess, nil)
	default:
		s.pelReply(req.HostTag, mpi.IOCStatusInvalid, 0, nil)
	}
}

func (s *Simulator) pelReply(tag uint16, status, pelStatus uint16, data []byte) {
	hdr, err := mpi.Encode(&mpi.PELReply{
		HostTag:        tag,
		Function:       mpi.FunctionPersistentEventLog,
		IOCStatus:      status,
		PELogStatus:    pelStatus,
		TransferLength: uint32(len(data)),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode simulated PEL reply")
		return
	}

	reply := make([]byte, s.cfg.ReplySize)
	n := copy(reply, hdr)
	copy(reply[n:], data)

	s.post(tag, cmdslot.Completion{Reply: reply, IOCStatus: status})
}
