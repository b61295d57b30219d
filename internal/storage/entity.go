package storage

import "fmt"

// EntityType is the persisted tag of an EntityRef.
type EntityType string

const (
	EntityStory     EntityType = "story"
	EntityCriterion EntityType = "acceptance_criterion"
)

// EntityRef points at a derived artifact: either a story or an acceptance
// criterion. The interface is sealed; StoryRef and CriterionRef are the only
// implementations.
type EntityRef interface {
	Type() EntityType
	ID() string
	sealed()
}

type StoryRef struct{ StoryID string }

func (r StoryRef) Type() EntityType { return EntityStory }
func (r StoryRef) ID() string       { return r.StoryID }
func (StoryRef) sealed()            {}

type CriterionRef struct{ CriterionID string }

func (r CriterionRef) Type() EntityType { return EntityCriterion }
func (r CriterionRef) ID() string       { return r.CriterionID }
func (CriterionRef) sealed()            {}

// MatchEntity dispatches on the concrete ref. Every consumer that branches on
// entity kind goes through here so a new variant fails loudly in one place.
func MatchEntity[T any](ref EntityRef, story func(StoryRef) T, criterion func(CriterionRef) T) T {
	switch r := ref.(type) {
	case StoryRef:
		return story(r)
	case CriterionRef:
		return criterion(r)
	default:
		panic(fmt.Sprintf("storage: unhandled entity ref %T", ref))
	}
}

// ParseEntityRef rebuilds a ref from its persisted (type, id) pair.
func ParseEntityRef(typ, id string) (EntityRef, error) {
	if id == "" {
		return nil, fmt.Errorf("empty entity id")
	}
	switch EntityType(typ) {
	case EntityStory:
		return StoryRef{StoryID: id}, nil
	case EntityCriterion:
		return CriterionRef{CriterionID: id}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
}
