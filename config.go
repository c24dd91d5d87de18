package vmlc

import (
	"log"
	"time"

	"github.com/jacobsa/timeutil"
)

// ConnectionConfig configures a Connection, mirroring the teacher's
// MountConfig: every magic number spec §4 names as a default is exposed
// here as an overridable field (spec REDESIGN FLAGS "the retry limit for
// stack transactions... expose it as configuration", applied by analogy
// to the other constants spec §4.D/§4.F name as defaults).
type ConnectionConfig struct {
	// SuperTimeout bounds a single attempt at a super transaction (spec
	// §4.D step 3, default 2s).
	SuperTimeout time.Duration

	// StackRetryLimit bounds the total number of attempts a super or stack
	// transaction makes; a new attempt follows only a timeout (spec §4.D
	// step 4 / §9 open question, default 10).
	StackRetryLimit int

	// ETHStackUploadWords is the part size used to split a stack buffer
	// for upload over ETH, sized to fit the transport MTU (spec §4.D step
	// 1, default 181).
	ETHStackUploadWords int

	// USBStackUploadWords is the part size used over USB. Some older FTDI
	// driver builds require smaller stream-pipe transfers; this is left
	// runtime-selectable rather than guessed (spec §9 open question,
	// default 768).
	USBStackUploadWords int

	// ThrottleTickInterval is how often the ETH throttle controller
	// samples the data socket's receive-buffer fill level (spec §4.F,
	// default 1ms).
	ThrottleTickInterval time.Duration

	// ThrottleThreshold and ThrottleRange parameterize the throttle's
	// exponential delay curve (spec §4.F step 2, defaults 0.5 and 0.45).
	ThrottleThreshold float64
	ThrottleRange     float64

	// Clock is injected so transaction timeouts and the throttle/readout
	// worker's periodic plugins are deterministically testable with
	// timeutil.SimulatedClock, mirroring samples.SampleTest.Clock in the
	// teacher.
	Clock timeutil.Clock

	// DebugLogger and ErrorLogger may be nil, exactly as in the teacher's
	// MountConfig.
	DebugLogger *log.Logger
	ErrorLogger *log.Logger
}

// DefaultConnectionConfig returns the configuration spec §4 describes.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SuperTimeout:         2 * time.Second,
		StackRetryLimit:      10,
		ETHStackUploadWords:  181,
		USBStackUploadWords:  768,
		ThrottleTickInterval: time.Millisecond,
		ThrottleThreshold:    0.5,
		ThrottleRange:        0.45,
		Clock:                timeutil.RealClock(),
	}
}

func (c *ConnectionConfig) setDefaults() {
	d := DefaultConnectionConfig()
	if c.SuperTimeout == 0 {
		c.SuperTimeout = d.SuperTimeout
	}
	if c.StackRetryLimit == 0 {
		c.StackRetryLimit = d.StackRetryLimit
	}
	if c.ETHStackUploadWords == 0 {
		c.ETHStackUploadWords = d.ETHStackUploadWords
	}
	if c.USBStackUploadWords == 0 {
		c.USBStackUploadWords = d.USBStackUploadWords
	}
	if c.ThrottleTickInterval == 0 {
		c.ThrottleTickInterval = d.ThrottleTickInterval
	}
	if c.ThrottleThreshold == 0 {
		c.ThrottleThreshold = d.ThrottleThreshold
	}
	if c.ThrottleRange == 0 {
		c.ThrottleRange = d.ThrottleRange
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
}
