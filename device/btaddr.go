package device

import (
	"fmt"
	"strconv"
	"strings"
)

// BtAddr is a Bluetooth device address, most significant byte first.
type BtAddr [6]byte

// BtAddrFromNapSap builds an address from its NAP (upper 16 bits) and SAP
// (lower 32 bits) parts.
func BtAddrFromNapSap(nap uint16, sap uint32) BtAddr {
	return BtAddr{
		byte(nap >> 8), byte(nap),
		byte(sap >> 24), byte(sap >> 16), byte(sap >> 8), byte(sap),
	}
}

// ParseBtAddr parses "00:16:53:4C:02:21", with ':' or '-' separators or none.
func ParseBtAddr(s string) (BtAddr, error) {
	var a BtAddr

	hex := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(hex) != 12 {
		return a, fmt.Errorf("invalid bluetooth address %q", s)
	}

	for i := range a {
		v, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return a, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
		}
		a[i] = byte(v)
	}

	return a, nil
}

// String returns the address as upper-case colon separated hex.
func (a BtAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// littleEndian returns the address in the byte order of the kernel sockaddr.
func (a BtAddr) littleEndian() [6]byte {
	return [6]byte{a[5], a[4], a[3], a[2], a[1], a[0]}
}
