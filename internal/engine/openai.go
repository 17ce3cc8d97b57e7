package engine

import (
	"errors"

	"github.com/openai/openai-go"
)

// FromOpenAI classifies an error returned by the OpenAI client using the
// HTTP status of the API error when there is one.
func FromOpenAI(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		e := FromStatus(op, apiErr.StatusCode, []byte(apiErr.Param+" "+apiErr.Message))
		e.Cause = err
		return e
	}
	return Classify(op, err)
}
