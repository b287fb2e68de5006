package normalize

import (
	"time"

	"github.com/google/uuid"
)

// Estimator counts tokens in generated text. *tokens.Counter satisfies it.
type Estimator interface {
	CountText(model, text string) int
}

// Option configures a normalizer.
type Option func(*options)

type options struct {
	model        string
	includeUsage bool
	estimator    Estimator
	promptTokens int
	onFrame      func(kind FrameKind)
	now          func() time.Time
	newID        func() string
}

// WithModel sets the model name used when the backend omits one.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithIncludeUsage controls whether a usage frame is forwarded to the client.
func WithIncludeUsage(include bool) Option {
	return func(o *options) {
		o.includeUsage = include
	}
}

// WithEstimator enables usage estimation for backends that report none.
// promptTokens is the already counted size of the request messages.
func WithEstimator(e Estimator, promptTokens int) Option {
	return func(o *options) {
		o.estimator = e
		o.promptTokens = promptTokens
	}
}

// WithFrameObserver registers a callback invoked for every emitted frame.
func WithFrameObserver(fn func(kind FrameKind)) Option {
	return func(o *options) {
		o.onFrame = fn
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator overrides the response id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		newID: NewCompletionID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewCompletionID returns a fresh chat completion id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
