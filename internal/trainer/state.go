// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import "fmt"

// State of a training run.
//
// A run goes Uninitialized -> GraphBuilt -> (Restored) -> Training -> Checkpointed -> Training -> ... -> Done.
type State int

const (
	StateUninitialized State = iota

	// StateGraphBuilt is set once the step functions and optimizers are created.
	StateGraphBuilt

	// StateRestored is set if the variables were restored from a checkpoint.
	StateRestored

	// StateTraining is set while steps are being executed.
	StateTraining

	// StateCheckpointed is set right after a checkpoint is saved, until the next step.
	StateCheckpointed

	// StateDone is set when the run finishes, successfully or not.
	StateDone
)

var stateNames = []string{"Uninitialized", "GraphBuilt", "Restored", "Training", "Checkpointed", "Done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}
