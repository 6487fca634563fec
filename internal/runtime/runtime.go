// Package runtime composes the pipeline's collaborators from a loaded
// configuration. It plays the role of the teacher's generated
// wire_gen.go files (internal/source/cdc/wire_gen.go,
// internal/source/mylogical/wire_gen.go): one explicit constructor
// graph, hand-written rather than go:generate'd; this repo has no
// google/wire dependency and borrows only the shape of its output.
package runtime

import (
	"context"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ticket-sink/ticket-sink/internal/config"
	"github.com/ticket-sink/ticket-sink/internal/fields"
	"github.com/ticket-sink/ticket-sink/internal/ident"
	"github.com/ticket-sink/ticket-sink/internal/sink/lark"
	"github.com/ticket-sink/ticket-sink/internal/source/jira"
	"github.com/ticket-sink/ticket-sink/internal/synclog"
	"github.com/ticket-sink/ticket-sink/internal/telemetry"
	"github.com/ticket-sink/ticket-sink/internal/usercache"
	"github.com/ticket-sink/ticket-sink/internal/usermap"
	"github.com/ticket-sink/ticket-sink/internal/workflow"
)

// sinkRPS is the outbound request rate this system holds itself to
// against the Lark Open Platform (spec §4.2's "respect a documented
// cap"); comfortably under Lark's per-app default of 100 req/s.
const sinkRPS = 50

// directoryAdapter satisfies usermap.Directory over a
// *lark.Client.LookupUser call, keeping internal/usermap free of a
// direct dependency on internal/sink/lark.
type directoryAdapter struct {
	client *lark.Client
}

func (d directoryAdapter) LookupUser(ctx context.Context, email string) (valid bool, sinkUserID, displayName string, err error) {
	ref, err := d.client.LookupUser(ctx, email)
	if err != nil {
		return false, "", "", err
	}
	if ref == nil {
		return false, "", "", nil
	}
	return true, ref.ID, ref.Name, nil
}

// Runtime aggregates every long-lived collaborator the CLI's
// subcommands need, constructed once from a validated *config.Config.
// This is explicit dependency injection per SPEC_FULL.md's design
// notes: no package-level singletons, so cmd/ticket-sink's tests can
// build a Runtime against a temp directory without touching global
// state.
type Runtime struct {
	Config  *config.Config
	Logger  *log.Logger
	Metrics *telemetry.Metrics

	Source *jira.Client
	Sink   *lark.Client

	UserCache *usercache.Cache
	Mapper    *usermap.Mapper
	Resolver  *usermap.Resolver
	Projector *fields.Projector

	mu    sync.Mutex
	logs  map[ident.TableID]*synclog.Log
	stops []func()
}

// New wires a Runtime from cfg. cfg must have already passed
// Preflight. The returned close func releases every opened sqlite
// file; callers should defer it.
func New(ctx context.Context, cfg *config.Config) (rt *Runtime, close func(), err error) {
	logger := telemetry.NewLogger(cfg.Global.LogLevel)
	metrics := telemetry.NewMetrics()

	source, err := jira.New(jira.Config{
		ServerURL:  cfg.Source.ServerURL,
		Username:   cfg.Source.Username,
		Password:   cfg.Source.Password,
		CACertPath: cfg.Source.CACertPath,
	})
	if err != nil {
		return nil, nil, err
	}

	sink := lark.New(lark.Config{
		AppID:     cfg.Sink.AppID,
		AppSecret: cfg.Sink.AppSecret,
	}, sinkRPS)

	rt = &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Source:  source,
		Sink:    sink,
		logs:    make(map[ident.TableID]*synclog.Log),
	}

	cachePath := filepath.Join(cfg.Global.DataDirectory, "user_mapping_cache.db")
	userCache, stopCache, err := usercache.Open(ctx, cachePath)
	if err != nil {
		return nil, nil, err
	}
	rt.stops = append(rt.stops, stopCache)
	rt.UserCache = userCache

	rt.Mapper = &usermap.Mapper{Cache: userCache, Metrics: metrics}
	rt.Resolver = &usermap.Resolver{Cache: userCache, Directory: directoryAdapter{client: sink}, Metrics: metrics}
	rt.Projector = &fields.Projector{BaseURL: cfg.Source.ServerURL, Mapper: rt.Mapper}

	return rt, rt.closeAll, nil
}

// NewFromFlags loads cfg from flags (already Bound by the caller's
// root command), preflights it, and wires a Runtime — the one
// sequence every cmd/ticket-sink subcommand performs before doing any
// real work.
func NewFromFlags(ctx context.Context, cfg *config.Config, flags *pflag.FlagSet) (*Runtime, func(), error) {
	if err := cfg.Load(flags); err != nil {
		return nil, nil, err
	}
	if err := cfg.Preflight(); err != nil {
		return nil, nil, err
	}
	return New(ctx, cfg)
}

func (rt *Runtime) closeAll() {
	for _, stop := range rt.stops {
		stop()
	}
}

// ProcessingLog returns the (lazily opened, cached) processing log for
// id, opening its sqlite file under data_directory on first use (spec
// §4.6: "one sqlite file per table").
func (rt *Runtime) ProcessingLog(ctx context.Context, id ident.TableID) (*synclog.Log, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if l, ok := rt.logs[id]; ok {
		return l, nil
	}
	path := filepath.Join(rt.Config.Global.DataDirectory, "processing_log_"+string(id)+".db")
	l, stop, err := synclog.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	rt.stops = append(rt.stops, stop)
	rt.logs[id] = l
	return l, nil
}

// Binding builds a workflow.Binding for the named (team, table) pair,
// converting the config's schema forms and link-prefix rules into
// fields.Schema (spec §6: "both forms are equivalent").
func (rt *Runtime) Binding(team ident.Team, table ident.TableKey) (workflow.Binding, error) {
	teamCfg := rt.Config.Teams[string(team)]
	tableCfg := teamCfg.Tables[string(table)]

	schema, err := rt.Config.Schema()
	if err != nil {
		return workflow.Binding{}, err
	}
	filter := rt.Config.LinkPrefixFilter()
	for i := range schema.Entries {
		if schema.Entries[i].Kind == fields.KindLinks && schema.Entries[i].LinkPrefixFilter == nil {
			schema.Entries[i].LinkPrefixFilter = filter
		}
	}

	return workflow.Binding{
		LogName:          string(team) + "/" + string(table),
		WorkspaceToken:   teamCfg.WorkspaceToken,
		SinkTableID:      tableCfg.SinkTableID,
		FilterExpression: tableCfg.FilterExpression,
		ExcludedFields:   tableCfg.ExcludedFields,
		Schema:           schema,
	}, nil
}

// Manager builds a workflow.Manager for id, opening (or reusing) its
// processing log.
func (rt *Runtime) Manager(ctx context.Context, id ident.TableID) (*workflow.Manager, error) {
	l, err := rt.ProcessingLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return &workflow.Manager{
		Source:    rt.Source,
		Sink:      rt.Sink,
		Log:       l,
		Projector: rt.Projector,
		Metrics:   rt.Metrics,
	}, nil
}

// BindingSet lists every enabled (team, table) pair, keyed by its
// TableID. It carries no intervals; callers resolve those with
// config.Config.EffectiveInterval.
func (rt *Runtime) BindingSet() map[ident.TableID]ident.Binding {
	out := make(map[ident.TableID]ident.Binding)
	for teamName, team := range rt.Config.Teams {
		if !team.Enabled {
			continue
		}
		for tableName, table := range team.Tables {
			if !table.Enabled {
				continue
			}
			b := ident.Binding{Team: ident.Team(teamName), Table: ident.TableKey(tableName)}
			out[b.ID()] = b
		}
	}
	return out
}
