package plan

import "github.com/burstq/burstq/pkg/api"

// BuildDescriptor assembles the worker-facing task descriptor from the
// manifest spec, one plan item and a minted task id. Pure assembly: the
// item's args win over the spec's, io.inputs mirror the item, io.output and
// io.batch are copied from the spec.
func BuildDescriptor(spec *api.Spec, item api.PlanItem, taskID string) api.TaskDescriptor {
	args := item.Args
	if args == nil {
		args = spec.Args
	}
	d := api.TaskDescriptor{
		Executable: spec.Executable,
		Name:       taskID,
		Args:       args,
		WorkDir:    spec.WorkDir,
		InputDir:   spec.InputDir,
		OutputDir:  spec.OutputDir,
		Inputs:     item.Inputs,
		TaskID:     taskID,
		TaskType:   spec.TaskType,
		IO:         api.DescriptorIO{Inputs: item.Inputs},
	}
	if spec.IO != nil {
		d.IO.Output = spec.IO.Output
		d.IO.Batch = spec.IO.Batch
		if spec.IO.Output != nil {
			d.Outputs = []api.OutputSpec{*spec.IO.Output}
		}
	}
	if d.Outputs == nil {
		d.Outputs = []api.OutputSpec{}
	}
	return d
}
