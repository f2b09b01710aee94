package decoder

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/nfatrace/supervisor/internal/notification"
)

const sysConnect = uint(unix.SYS_CONNECT)

// socketFamilies names the sa_family values this decoder recognises,
// grounded on ConnectDecoder::initFamilies.
var socketFamilies = map[uint16]string{
	unix.AF_UNSPEC:    "unspecified",
	unix.AF_UNIX:      "unix socket",
	unix.AF_INET:      "IPv4",
	unix.AF_INET6:     "IPv6",
	unix.AF_NETLINK:   "netlink",
	unix.AF_PACKET:    "packet",
	unix.AF_BLUETOOTH: "bluetooth",
}

// connectDecoder renders a connect(2) call's destination address.
// Argument 1 is the struct sockaddr*, argument 2 its length.
type connectDecoder struct{}

func (connectDecoder) Decode(e *notification.SyscallEntry, mem Memory) string {
	length := e.Regs.Arg(2)
	if length < 2 || length > 256 {
		return fmt.Sprintf("connect(fd=%d, addr=<implausible length %d>)", e.Regs.Arg(0), length)
	}
	raw, err := mem.ExtractBytes(e.Regs.Arg(1), int(length))
	if err != nil {
		return fmt.Sprintf("connect(fd=%d, addr=<unreadable: %v>)", e.Regs.Arg(0), err)
	}

	family := binary.NativeEndian.Uint16(raw[0:2])
	name, known := socketFamilies[family]
	if !known {
		name = fmt.Sprintf("family %d", family)
	}

	switch family {
	case unix.AF_INET:
		if len(raw) < 8 {
			break
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		addr := net.IP(raw[4:8])
		return fmt.Sprintf("connect(fd=%d, %s %s:%d)", e.Regs.Arg(0), name, addr, port)
	case unix.AF_INET6:
		if len(raw) < 24 {
			break
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		addr := net.IP(raw[8:24])
		return fmt.Sprintf("connect(fd=%d, %s [%s]:%d)", e.Regs.Arg(0), name, addr, port)
	case unix.AF_UNIX:
		path := nullTerminated(raw[2:])
		return fmt.Sprintf("connect(fd=%d, %s path=%q)", e.Regs.Arg(0), name, path)
	}
	return fmt.Sprintf("connect(fd=%d, %s)", e.Regs.Arg(0), name)
}

func nullTerminated(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
