package worker

import (
	"time"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"github.com/google/uuid"
)

// DefaultPIDPrefix prefixes generated process ids when none is configured.
const DefaultPIDPrefix = "faas"

// NewProcessID returns a process id that is never reused across invocations.
func NewProcessID(prefix string) string {
	if prefix == "" {
		prefix = DefaultPIDPrefix
	}
	return prefix + "-" + uuid.NewString()
}

// NewIdentity builds the worker identity for one invocation. The hosting
// model gives no durable network identity, so every role resolves to url.
func NewIdentity(prefix string, ttl time.Duration, url string) types.WorkerIdentity {
	return types.WorkerIdentity{
		ProcessID: NewProcessID(prefix),
		TTL:       ttl,
		Addresses: types.Addresses{
			Unicast:             url,
			AnycastPreferred:    url,
			AnycastNoPreference: url,
		},
	}
}
