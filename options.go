package basp

import (
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
)

type Option func(*config)

type config struct {
	// Broker.
	maxPayload        uint32 // largest accepted or sent payload, 0 = unlimited
	eventQueueSize    int    // broker event channel buffer
	frameSizeHint     int    // initial payload capacity of outbound frames
	version           *semver.Version
	versionConstraint *semver.Constraints
	constraintString  string

	// Local runtime.
	mailboxSize     int
	requestTimeout  time.Duration
	cleanupInterval time.Duration

	// Transport.
	transport      string // "tcp" or "quic"
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxBatchFrames int
	sendQueueSize  int

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string
}

func defaultConfig() config {
	return config{
		maxPayload:       16 << 20,
		eventQueueSize:   4096,
		frameSizeHint:    256,
		version:          ProtocolVersion,
		constraintString: DefaultVersionConstraint,
		mailboxSize:      1024,
		requestTimeout:   5 * time.Second,
		cleanupInterval:  1 * time.Second,
		transport:        "tcp",
		readTimeout:      0,
		writeTimeout:     10 * time.Second,
		maxBatchFrames:   256,
		sendQueueSize:    8192,
	}
}

// resolve parses derived fields. A constraint that does not parse falls
// back to DefaultVersionConstraint.
func (c *config) resolve() {
	if c.versionConstraint != nil {
		return
	}
	vc, err := semver.NewConstraint(c.constraintString)
	if err != nil {
		slog.Error("invalid protocol version constraint, using default", "constraint", c.constraintString, "error", err)
		vc, _ = semver.NewConstraint(DefaultVersionConstraint)
	}
	c.versionConstraint = vc
}

func WithMaxPayload(n uint32) Option {
	return func(c *config) {
		c.maxPayload = n
	}
}

// WithEventQueueSize sets the buffer of the broker's event channel.
// Default: 4096.
func WithEventQueueSize(n int) Option {
	return func(c *config) {
		c.eventQueueSize = n
	}
}

// WithProtocolVersion overrides the version announced in handshakes.
func WithProtocolVersion(v *semver.Version) Option {
	return func(c *config) {
		c.version = v
	}
}

// WithVersionConstraint sets the semver constraint peers must satisfy,
// e.g. "^1.0.0" or ">= 1.2, < 2".
func WithVersionConstraint(s string) Option {
	return func(c *config) {
		c.constraintString = s
		c.versionConstraint = nil
	}
}

// WithMailboxSize sets the capacity of each actor's mailbox. Default: 1024.
func WithMailboxSize(n int) Option {
	return func(c *config) {
		c.mailboxSize = n
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = d
	}
}

func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) {
		c.cleanupInterval = d
	}
}

// WithTransport selects the node transport: "tcp" (default) or "quic".
func WithTransport(name string) Option {
	return func(c *config) {
		c.transport = name
	}
}

// WithReadTimeout closes connections that stay silent for d. Zero disables
// the deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
	}
}

// WithMaxBatchFrames bounds how many queued frames a connection writer
// coalesces into one write. Default: 256.
func WithMaxBatchFrames(n int) Option {
	return func(c *config) {
		c.maxBatchFrames = n
	}
}

func WithSendQueueSize(n int) Option {
	return func(c *config) {
		c.sendQueueSize = n
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *config) {
		c.adminAddr = addr
	}
}
