package engine

// confirmationMessage is intentionally static. It must never interpolate
// record data: the matched record's contents stay out of everything the
// engine's callers can observe.
const confirmationMessage = "A similar vehicle record already exists. Reply \"yes\" or \"confirm\" to update the existing record, or anything else to keep it unchanged."

// ConfirmationMessage returns the fixed prompt shown to the user after a
// positive duplicate result, asking for explicit confirmation before any
// update is applied.
func ConfirmationMessage() string {
	return confirmationMessage
}
