package health

import (
	"context"

	"github.com/vozlab/arivoz/internal/store"
	"github.com/vozlab/arivoz/internal/telephony"
)

// StoreChecker reports whether the shared key/value store is reachable.
func StoreChecker(kv store.KV) Checker {
	return Checker{
		Name:  "store",
		Check: kv.Ping,
	}
}

// SwitchChecker reports whether the telephony switch's REST interface
// answers. A healthy event stream with a dead REST side still cannot place
// calls, so readiness gates on REST.
func SwitchChecker(tel telephony.Adapter) Checker {
	return Checker{
		Name: "switch",
		Check: func(ctx context.Context) error {
			return tel.Ping(ctx)
		},
	}
}
