// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "encoding/json"

// NodeMessageType discriminates inbound/outbound worker-node-channel frames.
type NodeMessageType string

const (
	// Inbound (node -> scheduler)
	NodeMsgNodeRegister  NodeMessageType = "node_register"
	NodeMsgNodeHeartbeat NodeMessageType = "node_heartbeat"
	NodeMsgJobAck        NodeMessageType = "job_ack"
	NodeMsgJobResult     NodeMessageType = "job_result"
	NodeMsgNodeError     NodeMessageType = "node_error"

	// Outbound (scheduler -> node)
	NodeMsgJobAssign NodeMessageType = "job_assign"
	NodeMsgJobCancel NodeMessageType = "job_cancel"
)

// NodeEnvelope is the outer frame for every node-channel message.
type NodeEnvelope struct {
	Type    NodeMessageType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// LanguageCapability mirrors registry.LanguageCapability over the wire.
type LanguageCapability struct {
	SrcLang string `json:"src_lang"`
	TgtLang string `json:"tgt_lang"`
}

// NodeRegister is sent once by a worker when it first connects.
type NodeRegister struct {
	NodeID               string               `json:"node_id"`
	Name                 string               `json:"name"`
	Version              string               `json:"version"`
	Platform             string               `json:"platform"`
	Hardware             string               `json:"hardware"`
	Features             map[string]bool      `json:"features"`
	InstalledModels       []string             `json:"installed_models"`
	InstalledServices     []string             `json:"installed_services"`
	MaxConcurrentJobs     int                  `json:"max_concurrent_jobs"`
	AcceptPublicJobs      bool                 `json:"accept_public_jobs"`
	CapabilityByType      map[string]bool      `json:"capability_by_type"`
	LanguageCapabilities  []LanguageCapability  `json:"language_capabilities"`
}

// NodeHeartbeat is sent periodically by a connected worker.
type NodeHeartbeat struct {
	NodeID          string            `json:"node_id"`
	CPUUsage        float64           `json:"cpu_usage"`
	GPUUsage        *float64          `json:"gpu_usage,omitempty"`
	MemoryUsage     float64           `json:"memory_usage"`
	CurrentJobs     int               `json:"current_jobs"`
	ProcessingMetrics []ProcessingMetric `json:"processing_metrics,omitempty"`
}

// ProcessingMetric is one service's reported processing statistics.
type ProcessingMetric struct {
	ServiceID        string  `json:"service_id"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
}

// JobAck confirms a worker received and accepted a JobAssign.
type JobAck struct {
	JobID     string `json:"job_id"`
	AttemptID string `json:"attempt_id"`
}

// JobResultError is the error payload embedded in a failed JobResult.
type JobResultError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JobResult is a worker's report of one job's outcome.
type JobResult struct {
	JobID          string          `json:"job_id"`
	AttemptID      string          `json:"attempt_id"`
	NodeID         string          `json:"node_id"`
	SessionID      string          `json:"session_id"`
	UtteranceIndex int             `json:"utterance_index"`
	Success        bool            `json:"success"`
	TextASR        string          `json:"text_asr,omitempty"`
	TextTranslated string          `json:"text_translated,omitempty"`
	TTSAudio       []byte          `json:"tts_audio,omitempty"`
	TTSFormat      string          `json:"tts_format,omitempty"`
	Extra          map[string]any  `json:"extra,omitempty"`
	Error          *JobResultError `json:"error,omitempty"`
	TraceID        string          `json:"trace_id"`
	GroupID        string          `json:"group_id,omitempty"`
	PartIndex      *int            `json:"part_index,omitempty"`
	ASRQualityLevel string         `json:"asr_quality_level,omitempty"`
	ReasonCodes    []string        `json:"reason_codes,omitempty"`
	QualityScore   *float64        `json:"quality_score,omitempty"`
	RerunCount     int             `json:"rerun_count,omitempty"`
}

// NodeError is a terminal error reported on the node channel outside
// the context of a specific job result.
type NodeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JobAssign is published to a worker to begin processing one utterance.
type JobAssign struct {
	JobID       string         `json:"job_id"`
	AttemptID   string         `json:"attempt_id"`
	Audio       []byte         `json:"audio"`
	AudioFormat string         `json:"audio_format"`
	SampleRate  int            `json:"sample_rate"`
	SrcLang     string         `json:"src_lang"`
	TgtLang     string         `json:"tgt_lang"`
	Dialect     string         `json:"dialect,omitempty"`
	Features    map[string]any `json:"features,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	LangA       string         `json:"lang_a,omitempty"`
	LangB       string         `json:"lang_b,omitempty"`
	AutoLangs   []string       `json:"auto_langs,omitempty"`
	PaddingMS   int            `json:"padding_ms,omitempty"`
	TraceID     string         `json:"trace_id"`
}

// JobCancel tells a worker to abandon a job it was previously assigned.
type JobCancel struct {
	JobID string `json:"job_id"`
}

// DecodeNodeEnvelope unmarshals a raw node-channel frame.
func DecodeNodeEnvelope(raw []byte) (NodeEnvelope, error) {
	var env NodeEnvelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// EncodeNodeMessage wraps a concrete outbound payload in its envelope.
func EncodeNodeMessage(typ NodeMessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(NodeEnvelope{Type: typ, Payload: raw})
}
