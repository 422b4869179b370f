package generator

// Completion is the terminal outcome of a generation.
type Completion struct {
	// Text is the accumulated output. On error it is "Error: <message>".
	Text string
	// Cancelled is set when the generation was stopped or failed before it
	// reached its natural end.
	Cancelled bool
	// Err is the failure, if any. A user stop is not an error.
	Err error
	// Partial is the text accumulated before a failure. It is empty unless
	// Err is set.
	Partial string
}

func (c Completion) Failed() bool {
	return c.Err != nil
}

// Interrupted reports a user-requested stop.
func (c Completion) Interrupted() bool {
	return c.Cancelled && c.Err == nil
}

func errorCompletion(err error, partial string) Completion {
	return Completion{
		Text:      "Error: " + err.Error(),
		Cancelled: true,
		Err:       err,
		Partial:   partial,
	}
}
