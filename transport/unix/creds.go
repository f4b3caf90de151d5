package unix

import (
	lerrors "github.com/legato-project/messaging/errors"

	"golang.org/x/sys/unix"
)

// PeerCredentials identifies the process on the other end of an accepted
// connection, retrieved via SO_PEERCRED at accept time. The Directory
// Broker uses this to tag a Client or Server Connection with the owning
// process for death detection and, later, watchdog correlation (spec.md
// §5 ties watchdog state to the same process/app identity).
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

func peerCredentials(fd int) (PeerCredentials, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return PeerCredentials{}, &lerrors.CommError{Cause: err}
	}
	return PeerCredentials{
		PID: ucred.Pid,
		UID: ucred.Uid,
		GID: ucred.Gid,
	}, nil
}
