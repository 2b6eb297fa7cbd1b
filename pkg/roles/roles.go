// Package roles turns declarative database role definitions into the SQL that
// creates them.
//
// The only injection defense is ValidateInput: every user supplied token
// (role name, properties clause, privilege) must match [A-Za-z_,\s]+ before
// it is placed into a statement. The builder does no other escaping.
package roles

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Keys accepted inside a role definition.
const (
	PropertiesKey = "properties"
	PrivilegesKey = "privileges"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_,\s]+$`)

// ErrInvalidRole is wrapped by every ValidationError.
var ErrInvalidRole = errors.New("invalid role configuration")

// ValidationError reports input rejected before any SQL was assembled.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRole
}

// ValidateInput checks that input is non-blank and consists only of letters,
// underscores, commas and whitespace. field names the input in the error.
func ValidateInput(input, field string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", &ValidationError{Field: field, Msg: "must be non-blank"}
	}
	if !identifierPattern.MatchString(input) {
		return "", &ValidationError{Field: field, Value: input, Msg: "must match [A-Za-z_,\\s]+"}
	}
	return input, nil
}

// Spec is a validated role.
type Spec struct {
	Name       string
	Properties string
	Privileges []string
}

// Validate checks a single declaration and returns its validated form. Any
// key other than properties and privileges fails the whole role.
func Validate(d Declaration) (Spec, error) {
	name, err := ValidateInput(d.Name, "role name")
	if err != nil {
		return Spec{}, err
	}

	for key := range d.Config {
		if key != PropertiesKey && key != PrivilegesKey {
			return Spec{}, &ValidationError{
				Field: fmt.Sprintf("role %s", name),
				Value: key,
				Msg:   "unknown key, expected properties or privileges",
			}
		}
	}

	spec := Spec{Name: name}

	if raw, ok := d.Config[PropertiesKey]; ok {
		props, isString := raw.(string)
		if !isString {
			return Spec{}, &ValidationError{
				Field: fmt.Sprintf("role %s properties", name),
				Value: fmt.Sprint(raw),
				Msg:   "must be a string",
			}
		}
		if spec.Properties, err = ValidateInput(props, fmt.Sprintf("role %s properties", name)); err != nil {
			return Spec{}, err
		}
	}

	if raw, ok := d.Config[PrivilegesKey]; ok {
		privileges, err := toStrings(raw)
		if err != nil {
			return Spec{}, &ValidationError{
				Field: fmt.Sprintf("role %s privileges", name),
				Value: fmt.Sprint(raw),
				Msg:   err.Error(),
			}
		}
		for _, p := range privileges {
			if _, err := ValidateInput(p, fmt.Sprintf("role %s privilege", name)); err != nil {
				return Spec{}, err
			}
		}
		spec.Privileges = privileges
	}

	return spec, nil
}

// BuildCreateRolesQuery validates every declaration and returns one SQL
// string that creates the roles in declaration order and grants their
// privileges. No SQL is returned unless every role is valid.
func BuildCreateRolesQuery(decls Declarations) (string, error) {
	specs := make([]Spec, 0, len(decls))
	for _, d := range decls {
		spec, err := Validate(d)
		if err != nil {
			return "", err
		}
		specs = append(specs, spec)
	}

	var b strings.Builder
	for _, s := range specs {
		fmt.Fprintf(&b, "CREATE ROLE %s", s.Name)
		if s.Properties != "" {
			fmt.Fprintf(&b, " WITH %s; ", s.Properties)
		} else {
			b.WriteString("; ")
		}
		for _, p := range s.Privileges {
			fmt.Fprintf(&b, "GRANT %s TO %s; ", p, s.Name)
		}
	}
	return b.String(), nil
}

func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list item %v is %T, not a string", item, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a string or a list of strings, got %T", v)
	}
}
