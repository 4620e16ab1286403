package model

// Object is an entry in the host object pool. Scripts refer to objects only
// by ID; the pool owns them.
type Object struct {
	ID   int
	Type string // free-form, e.g. "shot", "text", "sound"

	// OwnerScriptID is the script that created the object, 0 for host-created
	// objects.
	OwnerScriptID int
}
