//go:build !windows && !plan9

package mountmgr

import (
	"context"
	"os/exec"
	"time"
)

// unmountSession detaches session's kernel mount. It first asks the FUSE
// server to unmount itself (the clean path: the kernel is told to drop the
// connection and any in-flight callback gets ECONNABORTED); if that fails —
// typically because something still has the mount point busy — it falls
// back to a lazy unmount via the host's umount(8), bounded to 5s, and as a
// last resort kills the helper process so Unmount never blocks forever.
func unmountSession(sess *Session) error {
	if sess.server != nil {
		if err := sess.server.Unmount(); err == nil {
			return nil
		}
	}
	return lazyUnmount(sess.Root, 5*time.Second)
}

func lazyUnmount(root string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "umount", "-l", root)
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded && cmd.Process != nil {
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
	return err
}
