package stack

import "fmt"

// Stage names the setup step that failed
type Stage string

const (
	StageBundle      Stage = "bundle"
	StageModel       Stage = "model"
	StageCoordinator Stage = "coordinator"
	StageContext     Stage = "context"
)

// SetupError is returned by New when the stack cannot be built
type SetupError struct {
	Stage      Stage
	SchemaName string
	Err        error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("persistence stack %q: %s setup failed: %v", e.SchemaName, e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
