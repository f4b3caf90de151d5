// Package unix implements the cross-process transport: connected
// SOCK_SEQPACKET sockets (spec.md §6), each frame carrying a 4-byte
// transaction id, a fixed-size payload, and at most one passed file
// descriptor via SCM_RIGHTS ancillary data.
package unix

import (
	"encoding/binary"
	"syscall"

	lerrors "github.com/legato-project/messaging/errors"
)

// transactionIDSize is the wire header size: spec.md §4.2's frame layout
// is "[4 bytes] transaction_id, [N bytes] payload", host-endian, naturally
// aligned.
const transactionIDSize = 4

// encodeFrame lays out the wire frame for a message: 4-byte transaction id
// followed by the payload. buf must have length transactionIDSize+len(payload).
func encodeFrame(txnID uint32, payload []byte, buf []byte) {
	binary.NativeEndian.PutUint32(buf[:transactionIDSize], txnID)
	copy(buf[transactionIDSize:], payload)
}

// decodeFrame splits a received frame into its transaction id and payload.
// frame must be exactly transactionIDSize+payloadSize bytes; a mismatch is
// a protocol-level fault (the peer sent a different max_payload than we
// agreed at advertise/open time), which is a programming error per
// spec.md §7.
func decodeFrame(frame []byte, payloadSize int) (txnID uint32, payload []byte) {
	if len(frame) != transactionIDSize+payloadSize {
		lerrors.Fatalf(
			"unix transport: received frame of %d bytes, expected %d (txn header + max_payload)",
			len(frame), transactionIDSize+payloadSize,
		)
	}
	txnID = binary.NativeEndian.Uint32(frame[:transactionIDSize])
	payload = frame[transactionIDSize:]
	return txnID, payload
}

// rightsForFd builds the SCM_RIGHTS ancillary payload carrying exactly one
// fd, or returns nil if fd is message.NoFd.
func rightsForFd(fd int) []byte {
	if fd < 0 {
		return nil
	}
	return syscall.UnixRights(fd)
}

// parseRights extracts fds from received ancillary data. Per spec.md §6:
// "additional fds in a single ancillary are closed on receive with a
// warning." warn is called once per extra fd closed.
func parseRights(oob []byte, warn func(fd int)) (fd int, err error) {
	fd = -1
	if len(oob) == 0 {
		return fd, nil
	}
	scms, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, err
	}
	for _, scm := range scms {
		fds, err := syscall.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd == -1 {
				fd = f
			} else {
				if warn != nil {
					warn(f)
				}
				_ = syscall.Close(f)
			}
		}
	}
	return fd, nil
}
