package scope

import (
	"context"
	"fmt"
	"sort"

	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Directory is the per-kind lookup table for scope stores, pullers and
// importers. It is built once at startup.
type Directory struct {
	stores    map[string]Store
	pullers   map[string]Puller
	importers []Importer
}

type DirectoryParams struct {
	fx.In

	Stores    []Store    `group:"scope_stores"`
	Pullers   []Puller   `group:"scope_pullers"`
	Importers []Importer `group:"scope_importers"`
}

func NewDirectory(p DirectoryParams) (*Directory, error) {
	d := &Directory{
		stores:  make(map[string]Store, len(p.Stores)),
		pullers: make(map[string]Puller, len(p.Pullers)),
	}
	for _, store := range p.Stores {
		if _, exists := d.stores[store.Kind()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, store.Kind())
		}
		d.stores[store.Kind()] = store
	}
	for _, puller := range p.Pullers {
		if _, exists := d.pullers[puller.Kind()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, puller.Kind())
		}
		d.pullers[puller.Kind()] = puller
	}
	d.importers = append(d.importers, p.Importers...)
	sort.SliceStable(d.importers, func(i, j int) bool {
		return d.importers[i].Kind() < d.importers[j].Kind()
	})
	return d, nil
}

func (d *Directory) Store(kind string) (Store, error) {
	store, ok := d.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return store, nil
}

func (d *Directory) Puller(kind string) (Puller, bool) {
	puller, ok := d.pullers[kind]
	return puller, ok
}

func (d *Directory) Importers() []Importer {
	return append([]Importer(nil), d.importers...)
}

// Resolve follows a BackendRef. A zero ref or a missing row yields nil.
func (d *Directory) Resolve(ctx context.Context, db *gorm.DB, ref resourcedomain.BackendRef) (*Object, error) {
	if ref.IsZero() {
		return nil, nil
	}
	store, err := d.Store(ref.Kind)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, db, ref.ID)
}

// MarkErred sets the referenced scope row erred. Unknown kinds are ignored.
func (d *Directory) MarkErred(ctx context.Context, db *gorm.DB, ref resourcedomain.BackendRef, message string) (Change, error) {
	if ref.IsZero() {
		return Change{}, nil
	}
	store, ok := d.stores[ref.Kind]
	if !ok {
		return Change{}, nil
	}
	previous, err := store.SetErred(ctx, db, ref.ID, message)
	if err != nil {
		return Change{}, err
	}
	return Change{Ref: ref, Previous: previous, Current: StateErred, ErrorMessage: message}, nil
}

var Module = fx.Module("scope",
	fx.Provide(NewDirectory),
)
