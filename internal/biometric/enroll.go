package biometric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Thegeektechie/EHR-System/internal/identity"
)

type Status string

const (
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Canceled  Status = "canceled"
)

// Result is the single terminal outcome of an enrollment task.
type Result struct {
	TaskID    string                  `json:"taskId"`
	UserID    string                  `json:"userId"`
	Method    identity.CredentialType `json:"method"`
	Status    Status                  `json:"status"`
	Reference string                  `json:"reference,omitempty"`
	Err       error                   `json:"-"`
}

// Task is a running enrollment. Done delivers exactly one Result.
type Task struct {
	id     string
	userID string
	method identity.CredentialType
	cancel context.CancelFunc
	done   chan Result
}

func (t *Task) ID() string                      { return t.id }
func (t *Task) UserID() string                  { return t.userID }
func (t *Task) Method() identity.CredentialType { return t.method }
func (t *Task) Done() <-chan Result             { return t.done }
func (t *Task) Cancel()                         { t.cancel() }

// Enroller runs enrollment captures in the background, one per user.
type Enroller struct {
	collab Collaborator
	sink   ArtifactSink
	cfg    Config
	logger *slog.Logger
	hook   func(context.Context, Result)

	mu     sync.Mutex
	active map[string]*Task
}

type EnrollerOption func(*Enroller)

// WithResultHook is called with every terminal result before it is
// delivered on Task.Done.
func WithResultHook(fn func(context.Context, Result)) EnrollerOption {
	return func(e *Enroller) { e.hook = fn }
}

func NewEnroller(collab Collaborator, sink ArtifactSink, cfg Config, logger *slog.Logger, opts ...EnrollerOption) *Enroller {
	if logger == nil {
		logger = slog.Default()
	}
	if collab == nil {
		collab = Unavailable{}
	}
	e := &Enroller{
		collab: collab,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		active: map[string]*Task{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins an enrollment for userID. The capture runs detached from ctx;
// use Task.Cancel or Enroller.Cancel to stop it.
func (e *Enroller) Start(ctx context.Context, userID string, method identity.CredentialType) (*Task, error) {
	if method == identity.CredentialNone || !method.Valid() {
		return nil, fmt.Errorf("unsupported credential type %q", method)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[userID]; busy {
		return nil, fmt.Errorf("%w: user %s", ErrEnrollmentActive, userID)
	}

	taskCtx, cancel := context.WithTimeout(context.Background(), e.cfg.captureTimeout())
	t := &Task{
		id:     uuid.NewString(),
		userID: userID,
		method: method,
		cancel: cancel,
		done:   make(chan Result, 1),
	}
	e.active[userID] = t
	go e.run(taskCtx, t)
	e.logger.Info("enrollment started", "taskId", t.id, "userId", userID, "method", method)
	return t, nil
}

// Cancel stops the active enrollment of userID, if any.
func (e *Enroller) Cancel(userID string) bool {
	e.mu.Lock()
	t, ok := e.active[userID]
	e.mu.Unlock()
	if ok {
		t.Cancel()
	}
	return ok
}

// Active returns the running task of userID.
func (e *Enroller) Active(userID string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[userID]
	return t, ok
}

func (e *Enroller) run(ctx context.Context, t *Task) {
	defer t.cancel()
	res := Result{TaskID: t.id, UserID: t.userID, Method: t.method}

	out, err := e.collab.Enroll(ctx, t.userID, t.method, e.cfg.samples())
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		res.Status, res.Err = Canceled, context.Canceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status, res.Err = Failed, ErrCaptureTimeout
	case err != nil:
		res.Status, res.Err = Failed, err
	case out.Reference == "":
		res.Status, res.Err = Failed, ErrNoArtifact
	default:
		if serr := e.sink.SaveCredential(ctx, t.userID, t.method, out.Reference); serr != nil {
			res.Status, res.Err = Failed, fmt.Errorf("store credential: %w", serr)
			if errors.Is(ctx.Err(), context.Canceled) {
				res.Status = Canceled
			}
		} else {
			res.Status, res.Reference = Succeeded, out.Reference
		}
	}

	e.mu.Lock()
	if e.active[t.userID] == t {
		delete(e.active, t.userID)
	}
	e.mu.Unlock()

	log := e.logger.With("taskId", t.id, "userId", t.userID, "method", t.method)
	if res.Status == Succeeded {
		log.Info("enrollment succeeded")
	} else {
		log.Warn("enrollment ended", "status", res.Status, "error", res.Err)
	}
	if e.hook != nil {
		e.hook(context.Background(), res)
	}
	t.done <- res
	close(t.done)
}

// Wait blocks until t finishes or ctx is done.
func Wait(ctx context.Context, t *Task) (Result, error) {
	select {
	case r := <-t.Done():
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d.
func WaitTimeout(t *Task, d time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return Wait(ctx, t)
}
