// Package taskwire is the public facade for embedding the process server,
// the wire client, and the connection reconciliation engine.
package taskwire

import (
	"github.com/loykin/taskwire/internal/dataflow"
	"github.com/loykin/taskwire/internal/history"
	"github.com/loykin/taskwire/internal/history/factory"
	"github.com/loykin/taskwire/internal/proc"
	"github.com/loykin/taskwire/internal/procserver"
	"github.com/loykin/taskwire/internal/reconciler"
	"github.com/loykin/taskwire/internal/registry"
	"github.com/loykin/taskwire/pkg/client"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = proc.Spec

type Status = proc.Status

type ServerOptions = procserver.Options

type Server = procserver.Server

// NewServer creates an unopened process server. Call Open then Serve.
func NewServer(opts ServerOptions) *Server { return procserver.New(opts) }

type Client = client.Client

type ClientConfig = client.Config

type Death = client.Death

type StartOptions = client.StartOptions

type UploadSpec = client.UploadSpec

// Dial connects to a process server at host:port.
func Dial(addr string, cfg ClientConfig) (*Client, error) { return client.Dial(addr, cfg) }

// DefaultClientTimeout bounds each client round trip unless configured.
const DefaultClientTimeout = client.DefaultTimeout

// Dataflow and reconciliation surface.

type Edge = dataflow.Edge

type PortPair = dataflow.PortPair

type Policy = dataflow.Policy

// DataPolicy keeps only the most recent sample on the connection.
func DataPolicy() Policy { return dataflow.DataPolicy() }

// BufferPolicy keeps up to size samples on the connection.
func BufferPolicy(size int) Policy { return dataflow.BufferPolicy(size) }

type Registry = registry.Registry

type Task = registry.Task

type Port = registry.Port

func NewRegistry() *Registry { return registry.New() }

type ReconcilerConfig = reconciler.Config

type Reconciler = reconciler.Engine

type Intent = reconciler.Intent

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) { return reconciler.New(cfg) }

// History surface.

type HistorySink = history.Sink

type HistoryEvent = history.Event

// NewHistorySink builds a lifecycle-event sink from a DSN
// (sqlite path, postgres:// or clickhouse:// URL).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// RecordConnections returns a ReconcilerConfig.OnApplied hook that exports
// confirmed connect/disconnect operations to the given history sinks.
func RecordConnections(sinks ...HistorySink) func(op string, edge Edge) {
	return history.RecordConnections(nil, sinks...)
}
