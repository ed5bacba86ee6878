package submission

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildRemoteStoreFromDSN selects a remote store implementation by DSN scheme.
// An empty DSN yields the in-process memory store.
func BuildRemoteStoreFromDSN(dsn string) (RemoteStoreClient, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRemoteStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryRemoteStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRemoteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported remote store scheme: %s", scheme)
	}
}
