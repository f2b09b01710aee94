package decoder

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nfatrace/supervisor/internal/notification"
)

// readWriteSyscalls lists every syscall number the read/write decoder
// handles, grounded on ReadWriteDecoder's READ_SYSCALLS/WRITE_SYSCALLS
// sets (trimmed to the syscalls whose buffer argument layout matches
// plain read/write: fd, buf, count).
var readWriteSyscalls = []uint{
	uint(unix.SYS_READ),
	uint(unix.SYS_WRITE),
	uint(unix.SYS_PREAD64),
}

const maxPreview = 64

// readWriteDecoder renders a short preview of a read/write buffer
// argument rather than capturing the full payload to disk the way
// ReadWriteDecoder does, since this decoder feeds a log line, not a
// forensic capture pipeline.
type readWriteDecoder struct{}

func (readWriteDecoder) Decode(e *notification.SyscallEntry, mem Memory) string {
	op := "read"
	if e.Regs.SyscallNo() == uint(unix.SYS_WRITE) {
		op = "write"
	}

	fd := e.Regs.Arg(0)
	count := e.Regs.Arg(2)
	if op != "write" {
		// The buffer is not yet populated at syscall entry for read(2);
		// only the requested length is known until the matching exit.
		return fmt.Sprintf("%s(fd=%d, count=%d)", op, fd, count)
	}

	n := count
	if n > maxPreview {
		n = maxPreview
	}
	preview, err := mem.ExtractBytes(e.Regs.Arg(1), int(n))
	if err != nil {
		return fmt.Sprintf("%s(fd=%d, count=%d, buf=<unreadable: %v>)", op, fd, count, err)
	}
	suffix := ""
	if count > n {
		suffix = "..."
	}
	return fmt.Sprintf("%s(fd=%d, count=%d, buf=%q%s)", op, fd, count, preview, suffix)
}
