package dialog

// Session is one wake-to-silence conversational interaction. At most one
// exists at a time; the coordinator's dispatcher is its sole mutator.
type Session struct {
	// ID is minted by the journal service shortly after the wake event;
	// it is empty for the brief window until the mint completes.
	ID string
	// Turn counts listen/respond cycles, starting at 1. It advances only
	// when the follow-up window re-enters listening.
	Turn           int
	CreatedMS      int64
	LastActivityMS int64

	// endAfterApology routes the post-apology transition to ENDING
	// instead of the follow-up window.
	endAfterApology bool
}
