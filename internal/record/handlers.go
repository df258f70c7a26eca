package record

import "fmt"

// Handler describes how one entity type is keyed, validated, and addressed
// on the remote service. Dispatch over entity types goes through this table
// so that adding a type cannot silently fall through an unhandled case.
type Handler struct {
	// RemotePath is the path segment the remote API uses for this entity.
	RemotePath string

	// ContentKey composes the entity-specific content key.
	ContentKey func(*Record) string

	// Validate checks entity-specific payload constraints.
	Validate func(*Record) error
}

var handlers = map[EntityType]Handler{
	EntityDose: {
		RemotePath: "doses",
		ContentKey: func(r *Record) string {
			// (timestamp, quantity, injection site)
			return fmt.Sprintf("dose|%s|%g|%s", keyTime(r.Timestamp), r.Quantity, r.Site)
		},
		Validate: func(r *Record) error {
			if r.Quantity <= 0 {
				return fmt.Errorf("dose quantity must be positive (got %g)", r.Quantity)
			}
			return nil
		},
	},
	EntityVial: {
		RemotePath: "vials",
		ContentKey: func(r *Record) string {
			// (timestamp, quantity, lot number)
			return fmt.Sprintf("vial|%s|%g|%s", keyTime(r.Timestamp), r.Quantity, r.LotNumber)
		},
		Validate: func(r *Record) error {
			if r.Quantity <= 0 {
				return fmt.Errorf("vial quantity must be positive (got %g)", r.Quantity)
			}
			return nil
		},
	},
	EntityWeight: {
		RemotePath: "weights",
		ContentKey: func(r *Record) string {
			// (timestamp, quantity); weight samples have no location component
			return fmt.Sprintf("weight|%s|%g", keyTime(r.Timestamp), r.Quantity)
		},
		Validate: func(r *Record) error {
			if r.Quantity <= 0 {
				return fmt.Errorf("weight must be positive (got %g)", r.Quantity)
			}
			if r.Site != "" {
				return fmt.Errorf("weight samples do not carry a site")
			}
			return nil
		},
	},
}

// HandlerFor returns the handler for the given entity type.
func HandlerFor(e EntityType) (Handler, bool) {
	h, ok := handlers[e]
	return h, ok
}

// ValidEntity reports whether e is a known entity type.
func ValidEntity(e EntityType) bool {
	_, ok := handlers[e]
	return ok
}
