package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/pbs-extend/internal/assets/schemas"
)

// ErrInvalidFixture wraps schema violations found by Validate.
var ErrInvalidFixture = errors.New("invalid scheduler fixture")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// Violation is one schema failure, located by JSON pointer.
type Violation struct {
	Path    string
	Message string
}

func (v Violation) Error() string {
	if v.Path == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Violations collects every failure of one document.
type Violations []Violation

func (v Violations) Error() string {
	if len(v) == 1 {
		return v[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d schema violations:", len(v))
	for _, e := range v {
		b.WriteString("\n  - ")
		b.WriteString(e.Error())
	}
	return b.String()
}

func (v Violations) Unwrap() error { return ErrInvalidFixture }

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.SchedulerFixtureSchema) == 0 {
			validatorErr = errors.New("embedded scheduler-fixture schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.SchedulerFixtureSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile scheduler-fixture schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate checks a YAML fixture document against the embedded schema.
// Unknown keys are rejected, so typos in field names surface here instead
// of as silently empty values.
func Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert fixture to json: %w", err)
	}

	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(raw)
	if err != nil {
		return fmt.Errorf("validate fixture: %w", err)
	}

	var errs Violations
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, Violation{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
