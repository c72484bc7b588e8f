package notify

import "errors"

// ErrAllProvidersExhausted means every configured provider failed or
// was unavailable for this pass. The request is queued for delayed
// retry. A single provider failing is not an error; the selector falls
// over to the next provider in the same pass.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")
