package rtdb

// ChangeKind names one of §4.11's subscription stream event variants.
type ChangeKind string

const (
	EvCreate ChangeKind = "Create"
	EvUpdate ChangeKind = "Update"
	EvDelete ChangeKind = "Delete"
	EvLock   ChangeKind = "Lock"
	EvUnlock ChangeKind = "Unlock"
	EvReady  ChangeKind = "Ready"
)

// ChangeEvent is one item of a subscription's stream
// (Create{path,data} | Update{path,data,old_data?} | Delete{path,old_data?} |
// Lock{path,data} | Unlock{path,data} | Ready{path,data?}).
type ChangeEvent struct {
	Kind    ChangeKind     `json:"kind"`
	Path    string         `json:"path"`
	Data    map[string]any `json:"data,omitempty"`
	OldData map[string]any `json:"oldData,omitempty"`
}
