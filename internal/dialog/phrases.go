package dialog

import "math/rand"

// Stage names the pipeline leg a mid-turn failure came from. The stage
// picks the canned apology spoken to the user.
type Stage string

const (
	StageStt     Stage = "stt"
	StageLlm     Stage = "llm"
	StageTts     Stage = "tts"
	StageGeneral Stage = "general"
)

func errorPhrase(st Stage) string {
	switch st {
	case StageStt:
		return "Sorry, I didn't catch that."
	case StageLlm:
		return "Sorry, I had a problem thinking about that."
	case StageTts:
		return "Sorry, I'm having trouble speaking."
	default:
		return "Sorry, something went wrong."
	}
}

// pickConfirmation chooses one acknowledgment phrase uniformly at random.
func pickConfirmation(rng *rand.Rand, phrases []string) string {
	if len(phrases) == 0 {
		return "Yes?"
	}
	return phrases[rng.Intn(len(phrases))]
}
