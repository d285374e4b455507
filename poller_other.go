//go:build !linux

package reactor

import "errors"

// newPoller on non-Linux platforms is unimplemented: the reactor core
// described by spec.md is specifically the epoll backend. A kqueue
// backend would follow the same poller interface but is not
// implemented here.
func newPoller() (poller, error) {
	return nil, errors.New("reactor: epoll backend requires linux")
}
