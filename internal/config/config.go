// Package config loads the chunk server's client-protocol tunables from
// viper, binding the chunkServer.clientSM.* keys spec.md §6 names plus the
// manager-level timeouts the CSM consults.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// ClientSM holds every tunable spec.md §6 attributes to the
// chunkServer.clientSM.* configuration namespace, plus the manager-level
// timeouts and limits the CSM and admission controller read directly.
type ClientSM struct {
	// TraceRequestResponse logs each request/response line when true.
	TraceRequestResponse bool `mapstructure:"traceRequestResponse"`
	// EnforceMaxWait honors op.max_wait_millis at admission time.
	EnforceMaxWait bool `mapstructure:"enforceMaxWait"`
	// CloseWriteOnPendingOverQuota hard-rejects writes (closes the
	// connection) when either buffer manager reports over-quota.
	CloseWriteOnPendingOverQuota bool `mapstructure:"closeWriteOnPendingOverQuota"`
	// MaxReqSizeDiscard is the payload size, in bytes, up to which a
	// failed write is silently drained rather than closing the
	// connection.
	MaxReqSizeDiscard int `mapstructure:"maxReqSizeDiscard"`

	// IdleTimeout applies when a connection has no pending read/write.
	IdleTimeout time.Duration `mapstructure:"idleTimeoutSec"`
	// IOTimeout applies while a connection has pending I/O; the
	// effective ceiling is five minutes per spec.md §6.
	IOTimeout time.Duration `mapstructure:"ioTimeoutSec"`

	// DefaultBufferSize is the configured size of one "buffer". It is
	// bound from configuration only; admission does not round
	// reservations to it.
	DefaultBufferSize int `mapstructure:"defaultBufferSize"`
	// ChecksumBlockSize rounds write reservations up to a checksum
	// block boundary.
	ChecksumBlockSize int `mapstructure:"checksumBlockSize"`
	// MaxClientQuota and MaxIORequestSize bound the size of a single
	// request's payload.
	MaxClientQuota   int64 `mapstructure:"maxClientQuota"`
	MaxIORequestSize int64 `mapstructure:"maxIORequestSize"`

	// GlobalQuotaBytes and PerDeviceQuotaBytes size the two buffer
	// manager tiers the admission controller checks.
	GlobalQuotaBytes    int64 `mapstructure:"globalQuotaBytes"`
	PerDeviceQuotaBytes int64 `mapstructure:"perDeviceQuotaBytes"`

	// WorkerThreads sizes the client thread dispatcher's worker pool.
	WorkerThreads int `mapstructure:"workerThreads"`
}

// setDefaults installs the defaults spec.md §6 and §3 name, scoped under
// chunkServer.clientSM.
func setDefaults(v *viper.Viper) {
	v.SetDefault("chunkServer.clientSM.traceRequestResponse", false)
	v.SetDefault("chunkServer.clientSM.enforceMaxWait", true)
	v.SetDefault("chunkServer.clientSM.closeWriteOnPendingOverQuota", false)
	v.SetDefault("chunkServer.clientSM.maxReqSizeDiscard", 256*1024)
	v.SetDefault("chunkServer.clientSM.idleTimeoutSec", 5*time.Minute)
	v.SetDefault("chunkServer.clientSM.ioTimeoutSec", 5*time.Minute)
	v.SetDefault("chunkServer.clientSM.defaultBufferSize", 64*1024)
	v.SetDefault("chunkServer.clientSM.checksumBlockSize", 64*1024)
	v.SetDefault("chunkServer.clientSM.maxClientQuota", 1<<30)
	v.SetDefault("chunkServer.clientSM.maxIORequestSize", 1<<26)
	v.SetDefault("chunkServer.clientSM.globalQuotaBytes", int64(512)<<20)
	v.SetDefault("chunkServer.clientSM.perDeviceQuotaBytes", int64(256)<<20)
	v.SetDefault("chunkServer.clientSM.workerThreads", 4)
}

// Load reads the chunkServer.clientSM.* namespace out of v (which may
// already have a config file merged into it) and returns the bound struct.
func Load(v *viper.Viper) (*ClientSM, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	var out ClientSM
	if err := v.UnmarshalKey("chunkServer.clientSM", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
