package nsq

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config collects every tunable the consumer runtime exposes. It mirrors
// the teacher's per-field knobs on Conn/Writer (ReadTimeout, WriteTimeout,
// HeartbeatInterval, TLSv1/TLSConfig, Deflate/DeflateLevel, Snappy,
// OutputBufferSize/OutputBufferTimeout, UserAgent, Short/LongIdentifier)
// plus the RDY/backoff/lookup knobs spec.md §6 assigns to the consumer
// rather than to any one connection.
//
// A Config must be passed through Validate() before use; NewConsumer clones
// the validated Config so later mutation of the caller's copy has no effect
// (spec.md §3: "cloned and frozen inside Consumer").
type Config struct {
	// per-connection protocol timing
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
	MsgTimeout        time.Duration

	// flow control
	MaxInFlight int64
	MaxAttempts uint16

	// requeue delays
	DefaultRequeueDelay time.Duration
	MaxRequeueDelay     time.Duration

	// backoff
	MaxBackoffDuration time.Duration
	BackoffMultiplier  time.Duration

	// discovery
	LookupdPollInterval time.Duration
	LookupdPollJitter   float64

	// RDY controller
	RDYRedistributeInterval time.Duration
	LowRdyIdleTimeout       time.Duration

	// identity, sent in IDENTIFY
	ClientID  string
	Hostname  string
	UserAgent string

	// transport security / framing upgrades
	TLSv1                 bool
	TLSConfig             *tls.Config
	TLSInsecureSkipVerify bool
	TLSMinVersion         uint16

	Deflate      bool
	DeflateLevel int
	Snappy       bool

	OutputBufferSize    int64
	OutputBufferTimeout time.Duration

	AuthSecret string

	// SampleRate is sent to the broker in IDENTIFY and affects how often
	// the broker samples messages to this consumer; it has no effect on
	// consumer-side behavior (see SPEC_FULL.md "Supplemented features").
	SampleRate int32

	maxBackoffLevel int // derived by Validate, not user-settable
}

// NewConfig returns a Config populated with the spec.md §6 defaults.
func NewConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      time.Second,
		DialTimeout:       time.Second,
		MsgTimeout:        60 * time.Second,

		MaxInFlight: 1,
		MaxAttempts: 5,

		DefaultRequeueDelay: 90 * time.Second,
		MaxRequeueDelay:     15 * time.Minute,

		MaxBackoffDuration: 2 * time.Minute,
		BackoffMultiplier:  time.Second,

		LookupdPollInterval: 60 * time.Second,
		LookupdPollJitter:   0.3,

		RDYRedistributeInterval: 5 * time.Second,
		LowRdyIdleTimeout:       10 * time.Second,

		Hostname:  hostname,
		UserAgent: fmt.Sprintf("go-nsqconsumer/%s", Version),

		TLSMinVersion: tls.VersionTLS12,
		DeflateLevel:  6,

		OutputBufferSize:    16 * 1024,
		OutputBufferTimeout: 250 * time.Millisecond,
	}
}

// Version identifies this library in the IDENTIFY user_agent field, the
// same role the teacher's writer.go VERSION constant plays.
const Version = "1.0.0"

// Validate checks the configured values for internal consistency, derives
// maxBackoffLevel from MaxBackoffDuration (spec.md §4.5.2), and enforces the
// TLS 1.2 floor called out in spec.md §9 (REDESIGN FLAGS: the source's
// SSLv3 default is unsafe).
func (c *Config) Validate() error {
	if c.MaxInFlight < 0 {
		return fmt.Errorf("nsq: MaxInFlight must be >= 0")
	}
	if c.LookupdPollJitter < 0 || c.LookupdPollJitter > 1 {
		return fmt.Errorf("nsq: LookupdPollJitter must be in [0,1]")
	}
	if c.MaxBackoffDuration <= 0 {
		return fmt.Errorf("nsq: MaxBackoffDuration must be > 0")
	}
	if c.TLSMinVersion == 0 || c.TLSMinVersion < tls.VersionTLS12 {
		c.TLSMinVersion = tls.VersionTLS12
	}
	if c.TLSConfig != nil && c.TLSConfig.MinVersion < tls.VersionTLS12 {
		c.TLSConfig.MinVersion = tls.VersionTLS12
	}
	c.maxBackoffLevel = maxBackoffLevel(c.MaxBackoffDuration)
	return nil
}

// clone returns a deep-enough copy for freezing inside a Consumer: value
// fields copy trivially, and TLSConfig (if present) is shared by reference
// since *tls.Config is itself meant to be read-only once in use.
func (c *Config) clone() *Config {
	cc := *c
	return &cc
}

var topicChannelNameRe = func() func(string) bool {
	// ^[.a-zA-Z0-9_\-]+(#ephemeral)?$, length 1..64 — hand-rolled instead of
	// regexp since the grammar is a single character class plus a fixed
	// optional suffix; avoids compiling a regexp per validation call.
	return func(s string) bool {
		body := s
		if strings.HasSuffix(s, "#ephemeral") {
			body = strings.TrimSuffix(s, "#ephemeral")
		}
		if len(body) < 1 || len(s) > 64 {
			return false
		}
		for _, r := range body {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '.' || r == '_' || r == '-':
			default:
				return false
			}
		}
		return true
	}
}()

// validTopicChannelName reports whether s matches
// ^[.a-zA-Z0-9_\-]+(#ephemeral)?$ with length 1..64, per spec.md §4.2.
func validTopicChannelName(s string) bool {
	return topicChannelNameRe(s)
}
