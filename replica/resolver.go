package replica

import (
	"context"
)

// minimal view of the local scene graph that the resolver traverses.
// The rendering engine owns these objects; the core only reads them.
type SceneObject struct {
	// assumed unique at authoring time
	Name   string
	Parent *SceneObject
	// the replicated identifier when this object is itself a replicated
	// entity, empty otherwise
	NetworkId string
}

// nearest replicated ancestor's identifier, walking upward from `obj`
// (inclusive). `ErrNoNetworkedAncestor` signals the fallback derivation
// path, not a hard failure.
func FindAncestorNetworkId(obj *SceneObject) (string, error) {
	for current := obj; current != nil; current = current.Parent {
		if current.NetworkId != "" {
			return current.NetworkId, nil
		}
	}
	return "", ErrNoNetworkedAncestor
}

// derives the stable shared-record key for a local object and resolves the
// create-or-join race against the directory
type EntityResolver struct {
	directory SharedRecordDirectory
	template  *RecordTemplate

	log LogFunction
}

func NewEntityResolver(directory SharedRecordDirectory, template *RecordTemplate) *EntityResolver {
	return &EntityResolver{
		directory: directory,
		template:  template,
		log:       LogFn(LogLevelDebug, "[resolver]"),
	}
}

// pure and side-effect-free: every participant must compute the identical
// key for the same logical object, or the create-or-join race breaks
func (self *EntityResolver) Resolve(obj *SceneObject) string {
	baseId, err := FindAncestorNetworkId(obj)
	if err != nil {
		// not part of a replicated hierarchy, fall back to the
		// authoring-time name
		baseId = obj.Name
	}
	return baseId + RecordKeySuffix
}

// join the record if the key is already present, otherwise create it
// non-durable at the directory's flat top-level scope. Creation is
// idempotent by key: a concurrent creator's attempt resolves as a join onto
// the first-created record. Blocks until the record's sub-state is
// initialized or `ctx` is done.
func (self *EntityResolver) Attach(ctx context.Context, key string) (RecordHandle, error) {
	if existing, ok := self.directory.GetRecord(key); ok {
		self.log("%s: join", key)
		select {
		case <-existing.Ready():
			if existing.Err() == nil {
				return existing, nil
			}
			// the record was destroyed between the listing and the join.
			// Fall through and create a fresh one under the same key.
			self.log("%s: join raced a removal, creating", key)
			existing.Close()
		case <-ctx.Done():
			existing.Close()
			return nil, ctx.Err()
		}
	}

	self.log("%s: create", key)
	created, err := self.directory.CreateRecord(key, self.template, false)
	if err != nil {
		return nil, err
	}
	select {
	case <-created.Ready():
		if err := created.Err(); err != nil {
			created.Close()
			return nil, err
		}
		return created, nil
	case <-ctx.Done():
		created.Close()
		return nil, ctx.Err()
	}
}
