// Package usermap implements the UserMapper contract (spec §4.5): a
// strictly non-blocking online path over UserCache, and a bounded
// offline resolver that drains the pending set against the sink's
// directory lookup.
package usermap

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ticket-sink/ticket-sink/internal/fields"
	"github.com/ticket-sink/ticket-sink/internal/telemetry"
	"github.com/ticket-sink/ticket-sink/internal/usercache"
)

// Mapper implements fields.UserMapper over a UserCache.
type Mapper struct {
	Cache   *usercache.Cache
	Metrics *telemetry.Metrics
}

var _ fields.UserMapper = (*Mapper)(nil)

// Map is the online path: consult the cache only. A miss is persisted
// as pending (capturing email for the offline resolver to use later)
// and returned as pending, never blocking on a directory call (spec
// §4.5). An existing pending entry missing its email is topped up the
// same way, so an issue's first sighting of a user without an email on
// that field still converges once a later issue carries one.
func (m *Mapper) Map(ctx context.Context, username, email string) (fields.UserResult, error) {
	entry, ok, err := m.Cache.Get(ctx, username)
	if err != nil {
		return fields.UserResult{}, err
	}
	if !ok {
		if putErr := m.Cache.Put(ctx, usercache.Entry{Username: username, SinkEmail: email, State: usercache.StatePending}); putErr != nil {
			return fields.UserResult{}, putErr
		}
		if m.Metrics != nil {
			m.Metrics.UserCacheMisses.WithLabelValues().Inc()
		}
		return fields.UserResult{State: fields.UserPending}, nil
	}
	if entry.State == usercache.StatePending && entry.SinkEmail == "" && email != "" {
		entry.SinkEmail = email
		if putErr := m.Cache.Put(ctx, entry); putErr != nil {
			return fields.UserResult{}, putErr
		}
	}
	if m.Metrics != nil && (entry.State == usercache.StateValid || entry.State == usercache.StateEmpty) {
		m.Metrics.UserCacheHits.WithLabelValues().Inc()
	}
	return toResult(entry), nil
}

func toResult(e usercache.Entry) fields.UserResult {
	switch e.State {
	case usercache.StateValid:
		return fields.UserResult{State: fields.UserValid, SinkUserID: e.SinkUserID, DisplayName: e.SinkDisplayName}
	case usercache.StateEmpty:
		return fields.UserResult{State: fields.UserEmpty, DisplayName: e.SinkDisplayName}
	default:
		return fields.UserResult{State: fields.UserPending}
	}
}

// Directory is the sink-side lookup the offline resolver calls;
// implemented by internal/sink/lark.Client.LookupUser via an adapter
// in internal/runtime, keeping usermap free of a direct sink
// dependency. Lark's directory is keyed by email, not by the
// source-side username (spec §4.2).
type Directory interface {
	LookupUser(ctx context.Context, email string) (valid bool, sinkUserID, displayName string, err error)
}

// Resolver drains the pending set against a Directory.
type Resolver struct {
	Cache     *usercache.Cache
	Directory Directory
	Metrics   *telemetry.Metrics
}

// RunOnce resolves every currently-incomplete username once. Per-user
// directory failures are logged and left pending for the next run,
// rather than aborting the whole batch (spec §4.5: eventual
// consistency without coupling the sync cycle to directory latency).
func (r *Resolver) RunOnce(ctx context.Context) (resolved int, err error) {
	pending, err := r.Cache.Incomplete(ctx)
	if err != nil {
		return 0, err
	}
	if r.Metrics != nil {
		r.Metrics.UserCachePending.WithLabelValues().Set(float64(len(pending)))
	}
	for _, pu := range pending {
		if pu.SinkEmail == "" {
			log.WithField("username", pu.Username).Warn("no email on file, leaving pending")
			continue
		}
		valid, sinkUserID, displayName, lookupErr := r.Directory.LookupUser(ctx, pu.SinkEmail)
		if lookupErr != nil {
			log.WithError(lookupErr).WithField("username", pu.Username).Warn("directory lookup failed, leaving pending")
			continue
		}
		state := usercache.StateEmpty
		if valid {
			state = usercache.StateValid
		}
		if putErr := r.Cache.Put(ctx, usercache.Entry{
			Username:        pu.Username,
			SinkEmail:       pu.SinkEmail,
			State:           state,
			SinkUserID:      sinkUserID,
			SinkDisplayName: displayName,
		}); putErr != nil {
			return resolved, putErr
		}
		resolved++
	}
	return resolved, nil
}
