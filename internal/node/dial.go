package node

import (
	"net"

	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/rerr"
)

func dialTCP(addr *net.TCPAddr) (int, error) {
	conn, err := net.DialTCP("tcp4", nil, addr)
	if err != nil {
		return -1, rerr.New(rerr.IOError, "node.dialTCP", err)
	}
	defer conn.Close()
	return ioloop.DupFD(conn)
}
