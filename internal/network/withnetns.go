package network

import (
	"runtime"

	"github.com/vishvananda/netns"

	"fleetd/internal/ferr"
)

// withRootNetns pins the calling goroutine to an OS thread and
// ensures it is running in the root network namespace for the
// duration of fn, restoring whatever namespace the thread had before.
// TAP/bridge ioctls and netlink calls are namespace-sensitive per
// calling thread, exactly as in the reference server's withNetns
// helper; fleetd's bridge driver only ever operates in the root
// namespace (there is no per-instance namespace in the per-tenant
// bridge model), but goroutines that have wandered into another
// namespace via a prior operation must still be pinned back before
// touching the shared bridge.
func withRootNetns(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return ferr.Wrap(ferr.Network, "withRootNetns", err)
	}
	defer orig.Close()

	root, err := netns.GetFromPath("/proc/1/ns/net")
	if err != nil {
		// Fall back to whatever the current namespace is; on a
		// non-namespaced host this is already root.
		return fn()
	}
	defer root.Close()

	if root.Equal(orig) {
		return fn()
	}

	if err := netns.Set(root); err != nil {
		return ferr.Wrap(ferr.Network, "withRootNetns", err)
	}
	defer netns.Set(orig)

	return fn()
}
