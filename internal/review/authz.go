package review

// Actor is the identity on whose behalf an operation runs. The zero
// value is the anonymous actor.
type Actor struct {
	UserID UserID
	Admin  bool
}

// Anonymous reports whether the actor carries no identity.
func (a Actor) Anonymous() bool {
	return a.UserID == ""
}

// Decision captures what an actor may do with a deck. It is evaluated
// by callers to shape affordances and independently re-evaluated at the
// mutation boundary; a pre-check result is never trusted across I/O.
type Decision struct {
	CanView        bool
	CanSchedule    bool
	CanMutateItems bool
}

// Authorize evaluates the capability rules for an actor against a deck.
//
// Shared decks (no owner) are viewable by anyone, including anonymous
// actors, but only admins may schedule or mutate them. Personal decks
// are visible and mutable only to their owner or an admin.
func Authorize(actor Actor, deck Deck) Decision {
	if deck.Shared() {
		return Decision{
			CanView:        true,
			CanSchedule:    actor.Admin,
			CanMutateItems: actor.Admin,
		}
	}

	if actor.Anonymous() {
		return Decision{}
	}

	owned := deck.OwnerID != nil && *deck.OwnerID == actor.UserID.String()
	allowed := owned || actor.Admin
	return Decision{
		CanView:        allowed,
		CanSchedule:    allowed,
		CanMutateItems: allowed,
	}
}
