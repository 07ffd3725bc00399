package pipeline

import (
	"time"

	"github.com/zhouzirui/z-voice/backend/internal/model/speech"
	"github.com/zhouzirui/z-voice/backend/internal/service/ai"
)

// Stage is the step a turn is currently executing.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageTranscribing Stage = "transcribing"
	StageResponding   Stage = "responding"
	StageSynthesizing Stage = "synthesizing"
)

// Outcome is the terminal state of a turn.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeEmptyInput Outcome = "empty_input"
	OutcomeFailed     Outcome = "failed"
)

// Turn 一次"用户话语 → 助手回复"的处理记录，仅在内存中存在。
type Turn struct {
	ID          string
	Input       []byte
	Transcript  string
	Reply       string
	Audio       *speech.Audio
	Stage       Stage
	Outcome     Outcome
	Invocations []ai.ToolInvocation
	Err         error
	StartedAt   time.Time
	Duration    time.Duration
}

// HasAudio reports whether the turn produced audio for the caller.
func (t *Turn) HasAudio() bool {
	return t != nil && t.Audio != nil && len(t.Audio.Data) > 0
}
