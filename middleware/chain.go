// Package middleware collapses a decorator-style stack
// (@tenant_aware @operation @handle_repository_errors @transactional)
// into three orthogonal, composable concerns: require a tenant, open a
// unit of work, and classify thrown errors — implemented as ordinary
// function wrapping rather than language-level decorators.
package middleware

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/tenant"
)

// Operation is any tenant-scoped unit of work a service method performs.
type Operation func(ctx context.Context) error

// UnitOfWork opens and closes a transactional boundary around an
// Operation. Implementations commit on nil error and roll back
// otherwise; this module itself provides none.
type UnitOfWork interface {
	Run(ctx context.Context, op Operation) error
}

// RequireTenant is the first link in the chain: it fails fast with
// tenant.ErrNoTenant before any work begins if ctx carries no tenant.
func RequireTenant(op Operation) Operation {
	return func(ctx context.Context) error {
		if _, err := tenant.RequireTenantID(ctx); err != nil {
			return err
		}
		return op(ctx)
	}
}

// Transactional opens a unit of work around op via uow. When uow is nil,
// op runs directly — the transactional boundary is then whatever the
// caller's storage driver does implicitly (used by the in-memory
// repositories, which need no transactions at all).
func Transactional(uow UnitOfWork, op Operation) Operation {
	if uow == nil {
		return op
	}
	return func(ctx context.Context) error {
		return uow.Run(ctx, op)
	}
}

// ClassifyErrors is the last link: it normalizes whatever op returns into
// one of apierrors' three processor-facing kinds, and logs it at the
// appropriate level before returning.
func ClassifyErrors(log *logrus.Entry, operationName string, op Operation) Operation {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		classified := apierrors.Classify(err)
		entry := log.WithField("operation", operationName)
		if _, ok := classified.(*apierrors.ValidationErrorKind); ok {
			entry.WithError(classified).Warn("operation rejected: validation failed")
		} else {
			entry.WithError(classified).Error("operation failed")
		}
		return classified
	}
}

// Chain composes RequireTenant, Transactional and ClassifyErrors,
// matching the original decorator stack's nesting order
// (@tenant_aware outermost, @transactional innermost). No service in
// this module calls Chain; processing.Service uses RequireTenant and
// processor.Handler uses ClassifyErrors on their own.
func Chain(log *logrus.Entry, operationName string, uow UnitOfWork, op Operation) Operation {
	return RequireTenant(
		ClassifyErrors(log, operationName,
			Transactional(uow, op),
		),
	)
}
