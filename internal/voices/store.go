// Package voices enrolls voice samples with the external voice store so
// they can be referenced later as a model_id.
package voices

import (
	"context"
	"fmt"
	"net/http"

	"github.com/loqalabs/comet/internal/config"
)

// Voice is an enrolled voice profile.
type Voice struct {
	ID   string
	Name string
}

// Sample is one uploaded voice recording.
type Sample struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Store persists voice profiles.
type Store interface {
	Add(ctx context.Context, name string, sample Sample) (Voice, error)
}

// StoreError carries the upstream status of a failed enrollment.
type StoreError struct {
	Status  int
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("voice store returned %d: %s", e.Status, e.Message)
}

// New builds the store selected by cfg.Mode.
func New(cfg config.VoicesConfig) (Store, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMemoryStore(), nil
	case "elevenlabs":
		return NewElevenLabsStore(cfg, &http.Client{}), nil
	default:
		return nil, fmt.Errorf("unknown voices mode %q", cfg.Mode)
	}
}
