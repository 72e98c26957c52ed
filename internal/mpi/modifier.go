package mpi

import (
	"errors"
	"fmt"
)

// ErrAddressCollision is returned when a device address already uses bits
// reserved by the address modifier.
var ErrAddressCollision = errors.New("mpi: device address collides with SGE modifier mask")

// AddressModifier is the overlay the controller applies to the high bits of
// every physical address handed to an attached NVMe device.
type AddressModifier struct {
	Mask  uint64
	Value uint64
}

// NewAddressModifier builds the overlay from the firmware facts: mask and value
// are shifted by shift and placed in the upper 32 bits.
func NewAddressModifier(mask, value, shift uint8) AddressModifier {
	return AddressModifier{
		Mask:  (uint64(mask) << shift) << 32,
		Value: (uint64(value) << shift) << 32,
	}
}

// Stamp applies the overlay to addr.
func (m AddressModifier) Stamp(addr uint64) (uint64, error) {
	if addr&m.Mask != 0 {
		return 0, fmt.Errorf("%w: address 0x%016x, mask 0x%016x", ErrAddressCollision, addr, m.Mask)
	}

	return (addr &^ m.Mask) | m.Value, nil
}

// Strip removes the overlay from a stamped address.
func (m AddressModifier) Strip(addr uint64) uint64 {
	return addr &^ m.Mask
}
