package plan

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/burstq/burstq/internal/objstore"
	"github.com/burstq/burstq/pkg/api"
)

// ErrNoBatchInputs is returned when batch expansion is requested but the
// manifest carries no io.inputs.
var ErrNoBatchInputs = errors.New("EBATCH_NO_INPUTS: batch enabled without io.inputs")

// ObjectSource is the slice of the object store the planner consumes.
// *objstore.Lister satisfies it.
type ObjectSource interface {
	StreamObjects(ctx context.Context, q objstore.Query, fn func(objstore.Object) error) error
	ListPrefixesAtDepth(ctx context.Context, bucket, base string, depth int) ([]string, error)
}

// Planner expands a manifest spec into plan items without materializing the
// full object listing: items are handed to the callback as soon as their
// pack fills, so very large buckets stream through in constant memory.
type Planner struct {
	source ObjectSource
}

func NewPlanner(source ObjectSource) *Planner { return &Planner{source: source} }

// ForEach emits the plan items for spec in listing order. A non-batch spec
// yields exactly one single-source item. The callback's error stops the walk
// and is returned as-is.
func (p *Planner) ForEach(ctx context.Context, spec *api.Spec, fn func(api.PlanItem) error) error {
	if spec.IO == nil || spec.IO.Batch == nil || !spec.IO.Batch.Enabled {
		return fn(SingleItem(spec))
	}
	if spec.IO == nil || len(spec.IO.Inputs) == 0 {
		return ErrNoBatchInputs
	}

	base := spec.IO.Inputs[0]
	if len(spec.IO.Inputs) > 1 {
		log.Warn().
			Int("ignored", len(spec.IO.Inputs)-1).
			Str("used", base.URL).
			Msg("batch planning only consults io.inputs[0]; additional inputs ignored")
	}
	loc, err := objstore.ParseURL(base.URL)
	if err != nil {
		return err
	}

	batch := spec.IO.Batch
	grouping := batch.Grouping
	if grouping == "" {
		grouping = api.GroupByObject
	}
	switch grouping {
	case api.GroupByPrefix:
		return p.forEachPrefix(ctx, spec, base, loc, fn)
	case api.GroupByObject:
		return p.forEachPack(ctx, spec, base, loc, fn)
	default:
		return fmt.Errorf("unknown batch grouping %q", grouping)
	}
}

// SingleItem is the one plan item a non-batch manifest expands to. The
// submission engine builds it directly for single submissions without going
// through the planner.
func SingleItem(spec *api.Spec) api.PlanItem {
	item := api.PlanItem{
		LocalInputs: []api.LocalInput{},
		Args:        specArgs(spec),
		Source:      api.Source{Single: true},
	}
	if spec.IO != nil {
		for _, in := range spec.IO.Inputs {
			loc, err := objstore.ParseURL(in.URL)
			if err != nil {
				log.Warn().Str("url", in.URL).Msg("skipping unparseable input url")
				continue
			}
			item.Inputs = append(item.Inputs, api.ItemInput{
				Bucket:    loc.Bucket,
				Prefix:    loc.Prefix,
				Key:       loc.Key,
				Recursive: in.Recursive == nil || *in.Recursive,
				Include:   in.Include,
				Exclude:   in.Exclude,
			})
		}
	}
	if item.Inputs == nil {
		item.Inputs = []api.ItemInput{}
	}
	return item
}

func (p *Planner) forEachPrefix(ctx context.Context, spec *api.Spec, base api.InputSpec, loc objstore.Location, fn func(api.PlanItem) error) error {
	depth := spec.IO.Batch.PrefixDepth
	if depth <= 0 {
		depth = 1
	}
	prefixes, err := p.source.ListPrefixesAtDepth(ctx, loc.Bucket, loc.Prefix, depth)
	if err != nil {
		return err
	}
	for _, pre := range prefixes {
		item := api.PlanItem{
			Inputs: []api.ItemInput{{
				Bucket:    loc.Bucket,
				Prefix:    pre,
				Recursive: true,
				Include:   emptyIfNil(base.Include),
				Exclude:   emptyIfNil(base.Exclude),
			}},
			LocalInputs: []api.LocalInput{},
			Args:        specArgs(spec),
			Source:      api.Source{Prefix: pre},
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) forEachPack(ctx context.Context, spec *api.Spec, base api.InputSpec, loc objstore.Location, fn func(api.PlanItem) error) error {
	maxPerTask := spec.IO.Batch.MaxPerTask
	if maxPerTask < 1 {
		maxPerTask = 1
	}
	q := objstore.Query{
		Bucket:    loc.Bucket,
		Prefix:    loc.Prefix,
		Key:       loc.Key,
		Recursive: base.Recursive == nil || *base.Recursive,
		Filter:    objstore.KeyFilter{Include: base.Include, Exclude: base.Exclude},
		MaxFiles:  base.MaxFiles,
	}

	var pack []objstore.Object
	flush := func() error {
		if len(pack) == 0 {
			return nil
		}
		item := packItem(spec, pack)
		pack = pack[:0]
		return fn(item)
	}

	err := p.source.StreamObjects(ctx, q, func(o objstore.Object) error {
		pack = append(pack, o)
		if len(pack) >= maxPerTask {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func packItem(spec *api.Spec, pack []objstore.Object) api.PlanItem {
	inputs := make([]api.ItemInput, len(pack))
	locals := make([]api.LocalInput, len(pack))
	keys := make([]string, len(pack))
	basenames := make([]string, len(pack))
	for i, o := range pack {
		inputs[i] = api.ItemInput{Bucket: o.Bucket, Key: o.Key}
		basenames[i] = path.Base(o.Key)
		locals[i] = api.LocalInput{Name: basenames[i], WorkflowInput: true}
		keys[i] = o.Key
	}
	return api.PlanItem{
		Inputs:      inputs,
		LocalInputs: locals,
		Args:        ExpandArgs(specArgs(spec), basenames),
		Source:      api.Source{Keys: keys},
	}
}

func specArgs(spec *api.Spec) []string {
	if spec.Args == nil {
		return []string{}
	}
	return spec.Args
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
