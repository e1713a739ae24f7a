package types

// ServiceState is the lifecycle state of one managed service process.
type ServiceState string

const (
	ServiceStopped  ServiceState = "stopped"
	ServiceStarting ServiceState = "starting"
	ServiceReady    ServiceState = "ready"
	ServiceDegraded ServiceState = "degraded"
	ServiceCrashed  ServiceState = "crashed"
)

// LoaderState is the overall position of the boot/supervision state machine.
type LoaderState string

const (
	LoaderInit        LoaderState = "init"
	LoaderPrecheck    LoaderState = "precheck"
	LoaderStarting    LoaderState = "starting"
	LoaderRunningAll  LoaderState = "running_all"
	LoaderSystemReady LoaderState = "system_ready"
	LoaderDegraded    LoaderState = "degraded"
	LoaderStopping    LoaderState = "stopping"
	LoaderStopped     LoaderState = "stopped"
)

// DialogState is the position of the conversational state machine.
type DialogState string

const (
	DialogIdle         DialogState = "idle"
	DialogWakeConfirm  DialogState = "wake_confirm"
	DialogListening    DialogState = "listening"
	DialogProcessing   DialogState = "processing"
	DialogSpeaking     DialogState = "speaking"
	DialogFollowupWait DialogState = "followup_wait"
	DialogEnding       DialogState = "ending"
)

// WakeEvent is one detection emitted by the wake-word service.
type WakeEvent struct {
	// Detection confidence in [0,1].
	Confidence float64 `json:"confidence"`
	// Wall-clock timestamp of the detection in epoch milliseconds.
	TimestampMS int64 `json:"timestamp_ms"`
	// Name of the wake-word model that fired, if the detector reports it.
	Word string `json:"word,omitempty"`
}

// SttResult is one recognition result from the speech-to-text service.
// Interim results carry hints; exactly one final result per utterance.
type SttResult struct {
	Text     string `json:"text"`
	Final    bool   `json:"final"`
	DialogID string `json:"dialog_id,omitempty"`
	Turn     int    `json:"turn,omitempty"`
}

// GenChunk is one streamed fragment of a generated reply. EOT marks the
// end of the turn; a chunk with Err set replaces normal completion.
type GenChunk struct {
	Text string `json:"text"`
	EOT  bool   `json:"eot,omitempty"`
	Err  string `json:"error,omitempty"`
}

// PlaybackEvent is emitted by the synthesis service as audio plays out.
// Tag correlates the event with the speak request that produced it.
type PlaybackEvent struct {
	Type string `json:"type"` // started, chunk_played, finished, error
	Tag  string `json:"tag,omitempty"`
	Err  string `json:"error,omitempty"`
}

const (
	PlaybackStarted     = "started"
	PlaybackChunkPlayed = "chunk_played"
	PlaybackFinished    = "finished"
	PlaybackError       = "error"
)

// SpeakRequest asks the synthesis service to speak a full utterance.
type SpeakRequest struct {
	Text     string `json:"text"`
	DialogID string `json:"dialog_id,omitempty"`
	Voice    string `json:"voice,omitempty"`
	// Tag is echoed back on playback events for this utterance.
	Tag string `json:"tag,omitempty"`
}

// VramSample is one reading of device memory against the guardrail.
type VramSample struct {
	TimestampMS int64 `json:"timestamp_ms"`
	UsedMB      int   `json:"used_mb"`
	FreeMB      int   `json:"free_mb"`
	TotalMB     int   `json:"total_mb"`
	FloorMB     int   `json:"floor_mb"`
}
