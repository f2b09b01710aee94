package decoder

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nfatrace/supervisor/internal/notification"
)

// openSyscalls lists every syscall number the path-opening decoder
// handles, grounded on OpenDecoder::registerAt.
var openSyscalls = []uint{
	uint(unix.SYS_OPENAT),
	uint(unix.SYS_OPENAT2),
	uint(unix.SYS_NAME_TO_HANDLE_AT),
}

const maxPathLen = 2048

// openDecoder renders the path argument of an open-family syscall.
// openat's path is argument 1 (argument 0 is the directory fd);
// name_to_handle_at shares the same layout.
type openDecoder struct{}

func (openDecoder) Decode(e *notification.SyscallEntry, mem Memory) string {
	path, err := mem.ExtractString(e.Regs.Arg(1), maxPathLen)
	if err != nil {
		return fmt.Sprintf("open(dirfd=%d, path=<unreadable: %v>)", e.Regs.Arg(0), err)
	}
	return fmt.Sprintf("open(dirfd=%d, path=%q)", e.Regs.Arg(0), path)
}
