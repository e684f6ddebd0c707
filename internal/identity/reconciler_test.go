package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/storage"
)

type fakeStore struct {
	customers map[uuid.UUID]*models.Customer
	links     map[string]*models.FaceLink
	similar   *storage.FaceLinkMatch
	createErr error
	created   []*models.FaceLink
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		customers: make(map[uuid.UUID]*models.Customer),
		links:     make(map[string]*models.FaceLink),
	}
}

func (f *fakeStore) GetCustomer(ctx context.Context, storeID, id uuid.UUID) (*models.Customer, error) {
	c, ok := f.customers[id]
	if !ok || c.StoreID != storeID {
		return nil, nil
	}
	return c, nil
}

func (f *fakeStore) GetFaceLinkByExternalID(ctx context.Context, storeID uuid.UUID, externalID string) (*models.FaceLink, error) {
	l, ok := f.links[externalID]
	if !ok || l.StoreID != storeID {
		return nil, nil
	}
	return l, nil
}

func (f *fakeStore) CreateFaceLink(ctx context.Context, link *models.FaceLink) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, link)
	f.links[link.ExternalID] = link
	return nil
}

func (f *fakeStore) FindSimilarFaceLink(ctx context.Context, storeID uuid.UUID, embedding []float32, threshold float64) (*storage.FaceLinkMatch, error) {
	return f.similar, nil
}

func TestResolveIdentify(t *testing.T) {
	storeID := uuid.New()
	custID := uuid.New()
	st := newFakeStore()
	st.customers[custID] = &models.Customer{ID: custID, StoreID: storeID, Name: "Mira"}
	st.links["cust-123"] = &models.FaceLink{StoreID: storeID, CustomerID: custID, ExternalID: "cust-123"}

	r := NewReconciler(st, 0.6)

	got, err := r.ResolveIdentify(context.Background(), storeID, "cust-123")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != custID {
		t.Fatalf("unexpected customer: %+v", got)
	}
}

func TestResolveIdentifyNotFoundIsNormal(t *testing.T) {
	r := NewReconciler(newFakeStore(), 0.6)

	got, err := r.ResolveIdentify(context.Background(), uuid.New(), "unknown")
	if err != nil {
		t.Fatalf("not-found must not be an error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil customer, got %+v", got)
	}
}

func TestResolveIdentifyFailsClosedOnDanglingLink(t *testing.T) {
	storeID := uuid.New()
	st := newFakeStore()
	st.links["cust-9"] = &models.FaceLink{StoreID: storeID, CustomerID: uuid.New(), ExternalID: "cust-9"}

	r := NewReconciler(st, 0.6)

	_, err := r.ResolveIdentify(context.Background(), storeID, "cust-9")
	if !errors.Is(err, ErrCustomerMissing) {
		t.Fatalf("expected ErrCustomerMissing, got %v", err)
	}
}

func TestCompleteEnrollmentCreatesLink(t *testing.T) {
	storeID := uuid.New()
	custID := uuid.New()
	st := newFakeStore()

	r := NewReconciler(st, 0.6)

	link, err := r.CompleteEnrollment(context.Background(), storeID, custID,
		custID.String(), "f1", json.RawMessage(`{"ok":true}`), []float32{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if link.CustomerID != custID || link.FaceID != "f1" {
		t.Fatalf("unexpected link: %+v", link)
	}
	if len(st.created) != 1 {
		t.Fatalf("expected 1 created link, got %d", len(st.created))
	}
}

func TestCompleteEnrollmentIsIdempotentForSameCustomer(t *testing.T) {
	storeID := uuid.New()
	custID := uuid.New()
	st := newFakeStore()
	st.links[custID.String()] = &models.FaceLink{StoreID: storeID, CustomerID: custID, ExternalID: custID.String()}

	r := NewReconciler(st, 0.6)

	link, err := r.CompleteEnrollment(context.Background(), storeID, custID,
		custID.String(), "f1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.created) != 0 {
		t.Fatal("re-registration must not create a second link")
	}
	if link.CustomerID != custID {
		t.Fatalf("unexpected link: %+v", link)
	}
}

func TestCompleteEnrollmentConflicts(t *testing.T) {
	storeID := uuid.New()
	custID := uuid.New()
	other := uuid.New()

	t.Run("external id held by another customer", func(t *testing.T) {
		st := newFakeStore()
		st.links["ext-1"] = &models.FaceLink{StoreID: storeID, CustomerID: other, ExternalID: "ext-1"}
		r := NewReconciler(st, 0.6)

		_, err := r.CompleteEnrollment(context.Background(), storeID, custID, "ext-1", "f1", nil, nil)
		if !errors.Is(err, ErrFaceLinkConflict) {
			t.Fatalf("expected ErrFaceLinkConflict, got %v", err)
		}
	})

	t.Run("similar face under another customer", func(t *testing.T) {
		st := newFakeStore()
		st.similar = &storage.FaceLinkMatch{CustomerID: other, ExternalID: "ext-2", Score: 0.91}
		r := NewReconciler(st, 0.6)

		_, err := r.CompleteEnrollment(context.Background(), storeID, custID,
			custID.String(), "f1", nil, []float32{1, 0})
		if !errors.Is(err, ErrFaceLinkConflict) {
			t.Fatalf("expected ErrFaceLinkConflict, got %v", err)
		}
		if len(st.created) != 0 {
			t.Fatal("conflict must not create a link")
		}
	})

	t.Run("unique violation race", func(t *testing.T) {
		st := newFakeStore()
		st.createErr = fmt.Errorf("create face link: %w", storage.ErrDuplicateKey)
		r := NewReconciler(st, 0.6)

		_, err := r.CompleteEnrollment(context.Background(), storeID, custID,
			custID.String(), "f1", nil, nil)
		if !errors.Is(err, ErrFaceLinkConflict) {
			t.Fatalf("expected ErrFaceLinkConflict, got %v", err)
		}
	})
}
