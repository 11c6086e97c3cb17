package collab

import "fmt"

// DataCorrectionError is returned by a CompletionRunner when the model
// produced output that does not satisfy the requested structured shape.
// The engine turns it into a data-correction pause instead of a step
// failure, keeping the raw response so a human can fix it.
type DataCorrectionError struct {
	Raw string
}

func (e *DataCorrectionError) Error() string {
	return fmt.Sprintf("completion output needs correction: %.120s", e.Raw)
}
