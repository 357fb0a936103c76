//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCredentials identifies the process on the other end of a unix
// socket, as reported by the kernel.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

func peerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt: %w", credErr)
	}

	return &PeerCredentials{
		PID: int(cred.Pid),
		UID: int(cred.Uid),
		GID: int(cred.Gid),
	}, nil
}

// verifyPeer rejects connections from other users. The socket file is
// already mode 0600; SO_PEERCRED closes the gap left by inherited file
// descriptors.
func verifyPeer(conn net.Conn) error {
	cred, err := peerCredentials(conn)
	if err != nil {
		return fmt.Errorf("peer credentials: %w", err)
	}
	if cred.UID != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match daemon uid %d", cred.UID, os.Getuid())
	}
	return nil
}
