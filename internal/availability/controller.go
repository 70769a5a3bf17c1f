package availability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/access"
	"carecoord.org/internal/audit"
	"carecoord.org/internal/authz"
	"carecoord.org/internal/identity"
	"carecoord.org/internal/obs"
	"carecoord.org/internal/resolve"
)

const (
	resourceType = "Availability"
	updateAction = "availability.update"
)

// Authorizer is the decision path; *access.Pipeline satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, pr identity.Principal, req access.Request) (access.Outcome, error)
}

// Appender is the audit sink; *audit.Writer satisfies it.
type Appender interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Result is returned by a successful update.
type Result struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Controller authorizes, applies and audits availability updates.
type Controller struct {
	store Store
	authz Authorizer
	audit Appender
	now   func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock overrides the updated_at source.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func NewController(store Store, authorizer Authorizer, sink Appender, opts ...ControllerOption) *Controller {
	c := &Controller{store: store, authz: authorizer, audit: sink, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Locate returns the location owning record id. The context builder uses it
// to resolve Availability requests.
func (c *Controller) Locate(ctx context.Context, id string) (string, error) {
	r, err := c.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %w", resolve.ErrNotFound, err)
	}
	if err != nil {
		return "", err
	}
	return r.LocationID, nil
}

// Get reads a record after a read decision.
func (c *Controller) Get(ctx context.Context, pr identity.Principal, id string) (Record, error) {
	out, err := c.authz.Authorize(ctx, pr, access.Request{ResourceType: resourceType, ResourceID: id, Action: "read"})
	if err != nil {
		return Record{}, err
	}
	if !out.Allowed() {
		return Record{}, out.Err()
	}
	r, err := c.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Record{}, authz.Wrap(authz.KindResourceNotFound, err, "availability "+id)
	}
	return r, err
}

type snapshot struct {
	Total     int   `json:"total"`
	Available int   `json:"available"`
	Version   int64 `json:"version"`
}

func snap(r Record) snapshot {
	return snapshot{Total: r.Total, Available: r.Available, Version: r.Version}
}

// Update applies m when expected matches the stored version. It never
// retries: a stale caller gets *ConflictError carrying the current version.
func (c *Controller) Update(ctx context.Context, pr identity.Principal, id string, expected int64, m Mutation) (Result, error) {
	if m.Empty() {
		return Result{}, authz.Errorf(authz.KindValidation, "mutation changes nothing")
	}
	out, err := c.authz.Authorize(ctx, pr, access.Request{ResourceType: resourceType, ResourceID: id, Action: "update"})
	if err != nil {
		obs.ObserveAvailabilityUpdate("error")
		return Result{}, err
	}
	if !out.Allowed() {
		obs.ObserveAvailabilityUpdate("denied")
		return Result{}, out.Err()
	}

	var applyErr error
	updated, err := c.store.UpdateIf(ctx, id, expected, func(cur Record) (Record, error) {
		next, err := m.Apply(cur)
		if err != nil {
			applyErr = err
			return Record{}, err
		}
		next.UpdatedBy = pr.UserID
		next.UpdatedAt = c.now().UTC().Truncate(time.Microsecond)
		return next, nil
	}, func(old, next Record) error {
		_, err := c.audit.Append(ctx, audit.Record{
			ActorUserID:   pr.UserID,
			Action:        updateAction,
			ResourceType:  resourceType,
			ResourceID:    id,
			Decision:      authz.Allow,
			Reason:        fmt.Sprintf("version %d -> %d", old.Version, next.Version),
			PolicyVersion: out.PolicyVersion,
			Context: map[string]any{
				"old":              snap(old),
				"new":              snap(next),
				"decision_audit":   out.AuditID,
				"correlation_id":   out.CorrelationID,
				"expected_version": expected,
			},
		})
		return err
	})

	var conflict *ConflictError
	switch {
	case err == nil:
		obs.ObserveAvailabilityUpdate("ok")
		obs.Info("availability updated", map[string]any{"id": id, "version": updated.Version, "user_id": pr.UserID})
		return Result{ID: updated.ID, Version: updated.Version, UpdatedAt: updated.UpdatedAt}, nil
	case errors.As(err, &conflict):
		obs.ObserveAvailabilityUpdate("conflict")
		if aerr := c.reject(ctx, pr, id, out, "version_conflict", map[string]any{
			"expected_version": expected,
			"current_version":  conflict.Current,
		}); aerr != nil {
			return Result{}, aerr
		}
		return Result{}, conflict
	case applyErr != nil:
		obs.ObserveAvailabilityUpdate("invalid")
		if aerr := c.reject(ctx, pr, id, out, "invalid_mutation", map[string]any{
			"expected_version": expected,
			"error":            applyErr.Error(),
		}); aerr != nil {
			return Result{}, aerr
		}
		return Result{}, authz.Wrap(authz.KindValidation, applyErr, strings.TrimPrefix(applyErr.Error(), ErrInvalidMutation.Error()+": "))
	case errors.Is(err, ErrNotFound):
		obs.ObserveAvailabilityUpdate("not_found")
		return Result{}, authz.Wrap(authz.KindResourceNotFound, err, "availability "+id)
	default:
		obs.ObserveAvailabilityUpdate("error")
		return Result{}, fmt.Errorf("availability update %s: %w", id, err)
	}
}

// reject audits an update that changed nothing.
func (c *Controller) reject(ctx context.Context, pr identity.Principal, id string, out access.Outcome, reason string, fields map[string]any) error {
	fields["decision_audit"] = out.AuditID
	_, err := c.audit.Append(context.WithoutCancel(ctx), audit.Record{
		ActorUserID:   pr.UserID,
		Action:        updateAction,
		ResourceType:  resourceType,
		ResourceID:    id,
		Decision:      authz.Deny,
		Reason:        reason,
		PolicyVersion: out.PolicyVersion,
		Context:       fields,
	})
	if err != nil {
		return fmt.Errorf("availability %s: %w", reason, err)
	}
	return nil
}
