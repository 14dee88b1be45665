package pgcluster

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type LogEvent interface {
	EventName() string
	Message() string
	LogLevel() slog.Level
	LogAttrs() []slog.Attr
}

type baseEvent struct {
	component string
	host      string
	EventTime time.Time
}

func newBaseEvent(component, host string) baseEvent {
	return baseEvent{
		component: component,
		host:      host,
		EventTime: time.Now(),
	}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("component", e.component),
		slog.Time("event_time", e.EventTime),
	}
	if e.host != "" {
		attrs = append(attrs, slog.String("host", e.host))
	}
	return attrs
}

type ConnectFailedEvent struct {
	baseEvent
	Error error
}

func NewConnectFailedEvent(host string, err error) ConnectFailedEvent {
	return ConnectFailedEvent{baseEvent: newBaseEvent("pgcluster.pool", host), Error: err}
}

func (e ConnectFailedEvent) EventName() string    { return "connect_failed" }
func (e ConnectFailedEvent) Message() string      { return "Connection to host failed" }
func (e ConnectFailedEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ConnectFailedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

type ConnectedEvent struct {
	baseEvent
	ConnID string
	Open   int64
}

func NewConnectedEvent(host, connID string, open int64) ConnectedEvent {
	return ConnectedEvent{
		baseEvent: newBaseEvent("pgcluster.pool", host),
		ConnID:    connID,
		Open:      open,
	}
}

func (e ConnectedEvent) EventName() string    { return "connected" }
func (e ConnectedEvent) Message() string      { return "New connection is ready" }
func (e ConnectedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e ConnectedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("connection_id", e.ConnID),
		slog.Int64("open_connections", e.Open),
	)
	return attrs
}

type ConnectionDroppedEvent struct {
	baseEvent
	ConnID string
	Reason error
}

func NewConnectionDroppedEvent(host, connID string, reason error) ConnectionDroppedEvent {
	return ConnectionDroppedEvent{
		baseEvent: newBaseEvent("pgcluster.pool", host),
		ConnID:    connID,
		Reason:    reason,
	}
}

func (e ConnectionDroppedEvent) EventName() string { return "connection_dropped" }
func (e ConnectionDroppedEvent) Message() string {
	if e.Reason != nil {
		return fmt.Sprintf("Broken connection dropped: %s", e.Reason)
	}
	return "Broken connection dropped"
}
func (e ConnectionDroppedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e ConnectionDroppedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs, slog.String("connection_id", e.ConnID))
	if e.Reason != nil {
		attrs = append(attrs, slog.String("reason", e.Reason.Error()))
	}
	return attrs
}

type PoolOverloadedEvent struct {
	baseEvent
	Waiting int64
	MaxSize int
}

func NewPoolOverloadedEvent(host string, waiting int64, maxSize int) PoolOverloadedEvent {
	return PoolOverloadedEvent{
		baseEvent: newBaseEvent("pgcluster.pool", host),
		Waiting:   waiting,
		MaxSize:   maxSize,
	}
}

func (e PoolOverloadedEvent) EventName() string { return "pool_overloaded" }
func (e PoolOverloadedEvent) Message() string {
	return fmt.Sprintf("No available connections found, %d waiters", e.Waiting)
}
func (e PoolOverloadedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e PoolOverloadedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.Int64("waiting", e.Waiting),
		slog.Int("max_size", e.MaxSize),
	)
	return attrs
}

type PoolClosedEvent struct {
	baseEvent
}

func NewPoolClosedEvent(host string) PoolClosedEvent {
	return PoolClosedEvent{baseEvent: newBaseEvent("pgcluster.pool", host)}
}

func (e PoolClosedEvent) EventName() string     { return "pool_closed" }
func (e PoolClosedEvent) Message() string       { return "Connection pool closed" }
func (e PoolClosedEvent) LogLevel() slog.Level  { return slog.LevelInfo }
func (e PoolClosedEvent) LogAttrs() []slog.Attr { return e.baseAttrs() }

type ProbeFailedEvent struct {
	baseEvent
	Error error
}

func NewProbeFailedEvent(host string, err error) ProbeFailedEvent {
	return ProbeFailedEvent{baseEvent: newBaseEvent("pgcluster.topology", host), Error: err}
}

func (e ProbeFailedEvent) EventName() string    { return "probe_failed" }
func (e ProbeFailedEvent) Message() string      { return "Host status probe failed" }
func (e ProbeFailedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e ProbeFailedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

type ReplicaLaggingEvent struct {
	baseEvent
	Lag    time.Duration
	MaxLag time.Duration
}

func NewReplicaLaggingEvent(host string, lag, maxLag time.Duration) ReplicaLaggingEvent {
	return ReplicaLaggingEvent{
		baseEvent: newBaseEvent("pgcluster.topology", host),
		Lag:       lag,
		MaxLag:    maxLag,
	}
}

func (e ReplicaLaggingEvent) EventName() string { return "replica_lagging" }
func (e ReplicaLaggingEvent) Message() string {
	return fmt.Sprintf("Replica excluded, lag %s exceeds %s", e.Lag, e.MaxLag)
}
func (e ReplicaLaggingEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e ReplicaLaggingEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("lag", e.Lag.String()),
		slog.String("max_lag", e.MaxLag.String()),
	)
	return attrs
}

type SplitBrainEvent struct {
	baseEvent
	Hosts []string
}

func NewSplitBrainEvent(hosts []string) SplitBrainEvent {
	return SplitBrainEvent{baseEvent: newBaseEvent("pgcluster.topology", ""), Hosts: hosts}
}

func (e SplitBrainEvent) EventName() string { return "split_brain" }
func (e SplitBrainEvent) Message() string {
	return fmt.Sprintf("Several hosts claim to be master: %s", strings.Join(e.Hosts, ", "))
}
func (e SplitBrainEvent) LogLevel() slog.Level { return slog.LevelError }
func (e SplitBrainEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs, slog.Any("hosts", e.Hosts))
	return attrs
}

type TopologyChangedEvent struct {
	baseEvent
	Version    uint64
	Master     string
	SyncSlaves []string
	Slaves     []string
}

func NewTopologyChangedEvent(version uint64, master string,
	syncSlaves, slaves []string) TopologyChangedEvent {
	return TopologyChangedEvent{
		baseEvent:  newBaseEvent("pgcluster.topology", ""),
		Version:    version,
		Master:     master,
		SyncSlaves: syncSlaves,
		Slaves:     slaves,
	}
}

func (e TopologyChangedEvent) EventName() string    { return "topology_changed" }
func (e TopologyChangedEvent) Message() string      { return "Cluster topology changed" }
func (e TopologyChangedEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e TopologyChangedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.Uint64("version", e.Version),
		slog.String("master", e.Master),
		slog.Any("sync_slaves", e.SyncSlaves),
		slog.Any("slaves", e.Slaves),
	)
	return attrs
}

type RetryEvent struct {
	baseEvent
	Error error
	Next  time.Duration
}

func NewRetryEvent(err error, next time.Duration) RetryEvent {
	return RetryEvent{baseEvent: newBaseEvent("pgcluster.cluster", ""), Error: err, Next: next}
}

func (e RetryEvent) EventName() string    { return "retry" }
func (e RetryEvent) Message() string      { return "Call failed, retrying" }
func (e RetryEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e RetryEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs, slog.String("next", e.Next.String()))
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}
