package state

import "context"

// StateWriter writes a Singer STATE message. *sink.SingerWriter implements it.
type StateWriter interface {
	WriteState(ctx context.Context, value any) error
}

// SingerEmitter is a write-only Store that emits every persisted state as a
// Singer STATE message.
type SingerEmitter struct {
	w StateWriter
}

// NewSingerEmitter creates an emitter.
func NewSingerEmitter(w StateWriter) *SingerEmitter {
	return &SingerEmitter{w: w}
}

// Load implements Store; the emitter holds no state.
func (e *SingerEmitter) Load(context.Context) (*RunState, error) {
	return New(), nil
}

// Persist implements Store.
func (e *SingerEmitter) Persist(ctx context.Context, s *RunState) error {
	return e.w.WriteState(ctx, s.Clone())
}

// Close implements Store.
func (e *SingerEmitter) Close() error { return nil }
