package store

import "strconv"

// Ref addresses a conversation. An implicit Ref means "no conversation was
// chosen yet": message actions resolve it to the first bucket.
type Ref struct {
	uuid     int64
	explicit bool
}

// Explicit refers to the conversation with the given uuid.
func Explicit(uuid int64) Ref {
	return Ref{uuid: uuid, explicit: true}
}

// Implicit refers to the first conversation, or to a conversation that does
// not exist yet.
func Implicit() Ref {
	return Ref{}
}

// RefFromID maps the wire convention (0 = none chosen) onto a Ref.
func RefFromID(uuid int64) Ref {
	if uuid == 0 {
		return Implicit()
	}
	return Explicit(uuid)
}

// UUID returns the referenced uuid; ok is false for an implicit Ref.
func (r Ref) UUID() (uuid int64, ok bool) {
	return r.uuid, r.explicit
}

func (r Ref) IsImplicit() bool {
	return !r.explicit
}

func (r Ref) String() string {
	if !r.explicit {
		return "implicit"
	}
	return strconv.FormatInt(r.uuid, 10)
}
