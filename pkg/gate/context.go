package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Admission associates an allowed decision with one in-flight request. It
// is keyed by request identity, never by user: a user may have several
// concurrent in-flight requests.
type Admission struct {
	RequestID    string
	UserID       string
	Model        string
	DiscountRate float64
	AdmittedAt   time.Time
}

type admissionContextKey struct{}

// WithAdmission threads the admission decision through the request's call
// chain as an explicit context value.
func WithAdmission(ctx context.Context, admission Admission) context.Context {
	return context.WithValue(ctx, admissionContextKey{}, admission)
}

// AdmissionFrom extracts the admission decision set by WithAdmission.
func AdmissionFrom(ctx context.Context) (Admission, bool) {
	admission, ok := ctx.Value(admissionContextKey{}).(Admission)
	return admission, ok
}

// Registry holds admissions for requests whose settlement happens on a
// different goroutine than admission. Each association is set once, read
// once and deleted once: leaking one risks double settlement, losing one
// silently means unbilled usage.
type Registry struct {
	mu         sync.Mutex
	admissions map[string]Admission
	logger     *zap.Logger
}

// NewRegistry wires a Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		admissions: make(map[string]Admission),
		logger:     logger,
	}
}

// Put stores the admission for a request id. A duplicate put is a caller
// bug and errors out rather than silently replacing the association.
func (registry *Registry) Put(admission Admission) error {
	if admission.RequestID == "" {
		return fmt.Errorf("admission registry: empty request id")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.admissions[admission.RequestID]; exists {
		return fmt.Errorf("admission registry: request %s already admitted", admission.RequestID)
	}
	registry.admissions[admission.RequestID] = admission
	return nil
}

// Take removes and returns the admission for a request id. The second Take
// for the same id reports false, so settlement runs at most once.
func (registry *Registry) Take(requestID string) (Admission, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	admission, ok := registry.admissions[requestID]
	if ok {
		delete(registry.admissions, requestID)
	}
	return admission, ok
}

// Abandon clears an admission that will never settle (executor crash,
// client gone). The loss is accepted and logged for out-of-band
// reconciliation.
func (registry *Registry) Abandon(requestID string) {
	admission, ok := registry.Take(requestID)
	if !ok {
		return
	}
	registry.logger.Warn("admitted request abandoned without settlement",
		zap.String("request_id", admission.RequestID),
		zap.String("user_id", admission.UserID),
		zap.String("model", admission.Model))
}

// Len reports the number of in-flight associations.
func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.admissions)
}
