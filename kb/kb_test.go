package kb

import (
	"errors"
	"sync"
	"testing"
)

func TestCreateAndGetObject(t *testing.T) {
	store := NewObjectStore()
	id := store.CreateObject("shot", 3)
	if id != 1 {
		t.Fatalf("first object ID = %d, want 1", id)
	}
	got, err := store.GetObject(id)
	if err != nil {
		t.Fatalf("GetObject error: %v", err)
	}
	if got.Type != "shot" || got.OwnerScriptID != 3 {
		t.Fatalf("GetObject returned %#v", got)
	}
	if store.IsDeleted(id) {
		t.Fatalf("IsDeleted(%d) = true for live object", id)
	}
}

func TestObjectIDsAreNeverReused(t *testing.T) {
	store := NewObjectStore()
	a := store.CreateObject("a", 0)
	store.DeleteObject(a)
	b := store.CreateObject("b", 0)
	if b == a {
		t.Fatalf("object ID %d reused after delete", a)
	}
}

func TestDeleteObjectIsIdempotent(t *testing.T) {
	store := NewObjectStore()
	id := store.CreateObject("text", 0)

	if !store.DeleteObject(id) {
		t.Fatalf("first DeleteObject reported nothing removed")
	}
	if store.DeleteObject(id) {
		t.Fatalf("second DeleteObject reported a removal")
	}
	if store.DeleteObject(12345) {
		t.Fatalf("DeleteObject of unknown ID reported a removal")
	}
	if !store.IsDeleted(id) {
		t.Fatalf("IsDeleted(%d) = false after delete", id)
	}
	if _, err := store.GetObject(id); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("GetObject after delete error = %v, want ErrObjectNotFound", err)
	}
}

func TestListObjectsOrderedByID(t *testing.T) {
	store := NewObjectStore()
	for range 5 {
		store.CreateObject("x", 1)
	}
	store.DeleteObject(3)

	list := store.ListObjects()
	if len(list) != 4 || store.Len() != 4 {
		t.Fatalf("ListObjects len = %d, Len = %d, want 4", len(list), store.Len())
	}
	want := []int{1, 2, 4, 5}
	for i, obj := range list {
		if obj.ID != want[i] {
			t.Fatalf("ListObjects[%d].ID = %d, want %d", i, obj.ID, want[i])
		}
	}
}

func TestSubscribeReceivesCreateAndDelete(t *testing.T) {
	store := NewObjectStore()
	var events []Event
	unsubscribe := store.Subscribe(func(e Event) {
		events = append(events, e)
	})

	id := store.CreateObject("shot", 2)
	store.DeleteObject(id)
	store.DeleteObject(id)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventObjectCreated || events[1].Type != EventObjectDeleted {
		t.Fatalf("unexpected event order: %#v", events)
	}
	if events[1].Object.ID != id || events[1].Object.OwnerScriptID != 2 {
		t.Fatalf("delete event object = %#v", events[1].Object)
	}

	unsubscribe()
	unsubscribe()
	store.CreateObject("shot", 2)
	if len(events) != 2 {
		t.Fatalf("received event after unsubscribe")
	}
}

func TestSubscriberMayCallBackIntoStore(t *testing.T) {
	store := NewObjectStore()
	store.Subscribe(func(e Event) {
		if e.Type == EventObjectDeleted {
			_ = store.Len()
		}
	})
	id := store.CreateObject("x", 0)
	store.DeleteObject(id)
}

func TestConcurrentCreateDelete(t *testing.T) {
	store := NewObjectStore()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				id := store.CreateObject("x", 0)
				store.DeleteObject(id)
			}
		}()
	}
	wg.Wait()
	if store.Len() != 0 {
		t.Fatalf("Len = %d after balanced create/delete, want 0", store.Len())
	}
}
