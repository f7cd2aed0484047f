package environment

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the environment package.
var (
	// ErrProvisioning is matched by every *ProvisioningError.
	ErrProvisioning = errors.New("environment provisioning failed")

	// ErrInvalidEnvironment is returned when an environment's interpreter is unusable.
	ErrInvalidEnvironment = errors.New("invalid execution environment")
)

// Provisioning steps reported in ProvisioningError.
const (
	StepCreateRoot  = "create-root"
	StepCreateVenv  = "create-venv"
	StepInstall     = "install"
	StepValidate    = "validate"
	StepResolveBase = "resolve-interpreter"
)

// ProvisioningError reports a failed provisioning step together with the
// diagnostic output the step produced.
type ProvisioningError struct {
	Step    string
	Command []string
	Output  string
	Err     error
}

// Error implements the error interface.
func (e *ProvisioningError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provisioning step %s failed", e.Step)
	if len(e.Command) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Command, " "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\n%s", out)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProvisioning) true for every ProvisioningError.
func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioning
}
