package wire

import (
	"encoding/binary"
	"net"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

// AddrLen is the size of the on-wire socket-address form, compatible with
// an IPv4 sockaddr_in: family (2 bytes, always AF_INET==2 here), port (2
// bytes, network order), 4-byte IPv4 address, and 8 bytes of padding to
// match sockaddr_in's sin_zero.
const AddrLen = 16

const afINet = 2

// EncodeAddr writes addr's IPv4 address and port into dst[:AddrLen].
func EncodeAddr(dst []byte, addr *net.UDPAddr) {
	binary.BigEndian.PutUint16(dst[0:2], afINet)
	binary.BigEndian.PutUint16(dst[2:4], uint16(addr.Port))
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(dst[4:8], ip4)
	for i := 8; i < AddrLen; i++ {
		dst[i] = 0
	}
}

// DecodeAddr parses an on-wire address from src[:AddrLen].
func DecodeAddr(src []byte) (*net.UDPAddr, error) {
	if len(src) < AddrLen {
		return nil, rerr.New(rerr.InvalidInput, "wire.DecodeAddr", nil)
	}
	port := binary.BigEndian.Uint16(src[2:4])
	ip := net.IPv4(src[4], src[5], src[6], src[7])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
