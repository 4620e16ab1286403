package kb

import (
	"errors"
	"sort"
	"sync"

	"github.com/signalsfoundry/scripthost/model"
)

// ErrObjectNotFound indicates a requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventObjectCreated EventType = iota
	EventObjectDeleted
)

// Event is emitted to subscribers when an object is created or deleted.
type Event struct {
	Type   EventType
	Object model.Object
}

// ObjectStore is an in-memory, thread-safe pool of host objects keyed by
// integer ID. IDs start at 1 and are never reused.
type ObjectStore struct {
	mu sync.RWMutex

	objects map[int]*model.Object
	nextID  int

	subs    map[int]func(Event)
	nextSub int
}

// NewObjectStore constructs an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: make(map[int]*model.Object),
		nextID:  1,
		subs:    make(map[int]func(Event)),
	}
}

// CreateObject allocates a new object and returns its ID.
func (s *ObjectStore) CreateObject(objType string, ownerScriptID int) int {
	s.mu.Lock()
	obj := &model.Object{ID: s.nextID, Type: objType, OwnerScriptID: ownerScriptID}
	s.objects[obj.ID] = obj
	s.nextID++
	event := Event{Type: EventObjectCreated, Object: *obj}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return obj.ID
}

// GetObject returns a copy of the object with the given ID.
func (s *ObjectStore) GetObject(id int) (model.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return model.Object{}, ErrObjectNotFound
	}
	return *obj, nil
}

// IsDeleted reports whether id does not refer to a live object.
func (s *ObjectStore) IsDeleted(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return !ok
}

// DeleteObject removes the object with the given ID. Deleting an unknown or
// already-deleted ID is a no-op; the return value reports whether anything
// was removed.
func (s *ObjectStore) DeleteObject(id int) bool {
	s.mu.Lock()
	obj, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.objects, id)
	event := Event{Type: EventObjectDeleted, Object: *obj}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return true
}

// ListObjects returns a snapshot of all live objects ordered by ID.
func (s *ObjectStore) ListObjects() []model.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]model.Object, 0, len(s.objects))
	for _, obj := range s.objects {
		res = append(res, *obj)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Len returns the number of live objects.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Subscribe registers a callback for store events. It returns an unsubscribe
// function; calling it more than once is harmless.
func (s *ObjectStore) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *ObjectStore) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	return subs
}
