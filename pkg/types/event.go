package types

import "time"

type EventType string

const (
	EventNegotiationState EventType = "NegotiationState"
	EventBundleReady      EventType = "BundleReady"
	EventGatherTimeout    EventType = "GatherTimeout"
	EventChannelOpen      EventType = "ChannelOpen"
	EventChannelClose     EventType = "ChannelClose"
	EventProbeStart       EventType = "ProbeStart"
	EventProbeStop        EventType = "ProbeStop"
	EventSendFailure      EventType = "SendFailure"
	EventReportDrop       EventType = "ReportDrop"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
