package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/storage"
)

var (
	// ErrFaceLinkConflict means the face or external identity is
	// already linked to a different customer. This is a data-integrity
	// condition, distinct from "no face detected", and is never
	// resolved by overwriting the existing link.
	ErrFaceLinkConflict = errors.New("face already linked to a different customer")

	// ErrCustomerMissing means a face link points at a customer record
	// that no longer exists in this store. Resolution fails closed
	// rather than guessing.
	ErrCustomerMissing = errors.New("face link references a missing customer")
)

// Store is the persistence the reconciler needs.
type Store interface {
	GetCustomer(ctx context.Context, storeID, id uuid.UUID) (*models.Customer, error)
	GetFaceLinkByExternalID(ctx context.Context, storeID uuid.UUID, externalID string) (*models.FaceLink, error)
	CreateFaceLink(ctx context.Context, link *models.FaceLink) error
	FindSimilarFaceLink(ctx context.Context, storeID uuid.UUID, embedding []float32, threshold float64) (*storage.FaceLinkMatch, error)
}

// Reconciler maps resolved external identities back to store-scoped
// customer records.
type Reconciler struct {
	store        Store
	dupThreshold float64
}

func NewReconciler(store Store, dupThreshold float64) *Reconciler {
	return &Reconciler{store: store, dupThreshold: dupThreshold}
}

// ResolveIdentify looks up the customer behind an identified external
// identity. Absence is a normal outcome reported as (nil, nil) so the
// caller can fall through to manual search.
func (r *Reconciler) ResolveIdentify(ctx context.Context, storeID uuid.UUID, externalID string) (*models.Customer, error) {
	link, err := r.store.GetFaceLinkByExternalID(ctx, storeID, externalID)
	if err != nil {
		return nil, fmt.Errorf("lookup face link: %w", err)
	}
	if link == nil {
		return nil, nil
	}

	customer, err := r.store.GetCustomer(ctx, storeID, link.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}
	if customer == nil {
		return nil, fmt.Errorf("external id %s: %w", externalID, ErrCustomerMissing)
	}
	return customer, nil
}

// CompleteEnrollment persists the face link for a finished registration.
// The caller has already verified the echoed identity matches its
// correlation id. Re-registering the same customer with the same
// identity is idempotent; any cross-customer collision — by external
// identity or by embedding similarity — is surfaced as a conflict.
func (r *Reconciler) CompleteEnrollment(ctx context.Context, storeID, customerID uuid.UUID, externalID, faceID string, metadata json.RawMessage, embedding []float32) (*models.FaceLink, error) {
	existing, err := r.store.GetFaceLinkByExternalID(ctx, storeID, externalID)
	if err != nil {
		return nil, fmt.Errorf("check existing link: %w", err)
	}
	if existing != nil {
		if existing.CustomerID == customerID {
			return existing, nil
		}
		return nil, fmt.Errorf("external id %s held by customer %s: %w",
			externalID, existing.CustomerID, ErrFaceLinkConflict)
	}

	if len(embedding) > 0 {
		match, err := r.store.FindSimilarFaceLink(ctx, storeID, embedding, r.dupThreshold)
		if err != nil {
			// The guard is best-effort; the remote service remains the
			// authority on identity.
			slog.Warn("duplicate-face guard lookup failed", "error", err)
		} else if match != nil && match.CustomerID != customerID {
			return nil, fmt.Errorf("face resembles customer %s (score %.2f): %w",
				match.CustomerID, match.Score, ErrFaceLinkConflict)
		}
	}

	link := &models.FaceLink{
		StoreID:    storeID,
		CustomerID: customerID,
		ExternalID: externalID,
		FaceID:     faceID,
		Metadata:   metadata,
		Embedding:  embedding,
	}
	if err := r.store.CreateFaceLink(ctx, link); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("concurrent enrollment for %s: %w", externalID, ErrFaceLinkConflict)
		}
		return nil, fmt.Errorf("create face link: %w", err)
	}
	return link, nil
}
