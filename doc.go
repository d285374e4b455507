// Package reactor implements a single-threaded, readiness-based network
// I/O reactor: an epoll-backed socket multiplexer with cooperative TLS
// upgrades, timer-driven connection lifecycle, and explicit read/write
// backpressure.
//
// It is the runtime substrate for higher-level protocol handlers
// (authentication, message routing, and so on); this package knows
// nothing about any particular wire protocol.
//
// The whole reactor — poller, timers, connections, listeners — is driven
// from a single goroutine inside Loop. No exported method may be called
// concurrently with Loop from another goroutine, except SetConfig,
// which only queues the new Config for Loop to install; the factories
// (Listen, AddClient, WatchFD, Link, AddTask, SetQuitting) are to be
// called either before Loop starts or from inside a listener callback
// while Loop is running.
package reactor
