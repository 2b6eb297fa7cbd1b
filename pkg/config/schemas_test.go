package config

import (
	"testing"

	"cuelang.org/go/cue"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry(nil)

	customSchema := `
#Site: {
	region: string
	zone:   int
}
`

	if err := sr.RegisterSchema("site", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("site")
	if !ok {
		t.Fatal("expected to find site schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != "node" || names[1] != "site" {
		t.Errorf("unexpected schema names %v", names)
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry(nil)

	if err := sr.RegisterSchema("broken", "#Broken: {"); err == nil {
		t.Error("expected compile error")
	}
	if _, ok := sr.GetSchema("broken"); ok {
		t.Error("broken schema must not be registered")
	}
}

func TestSchemaRegistry_Definition(t *testing.T) {
	sr := NewSchemaRegistry(nil)

	for _, def := range []string{"#Node", "#Target", "#Postgres"} {
		if _, err := sr.Definition("node", def); err != nil {
			t.Errorf("expected %s: %v", def, err)
		}
	}
	if _, err := sr.Definition("node", "#Missing"); err == nil {
		t.Error("expected error for missing definition")
	}
	if _, err := sr.Definition("absent", "#Node"); err == nil {
		t.Error("expected error for missing schema")
	}
}

func TestNodeSchemaDefaults(t *testing.T) {
	sr := NewSchemaRegistry(nil)
	postgres, err := sr.Definition("node", "#Postgres")
	if err != nil {
		t.Fatal(err)
	}

	v := postgres.Unify(sr.ctx.CompileString(`version: "9.6-1"`))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		t.Fatalf("expected concrete postgres settings: %v", err)
	}

	port, err := v.LookupPath(cue.ParsePath("port")).Int64()
	if err != nil || port != 5432 {
		t.Errorf("expected default port 5432, got %d (%v)", port, err)
	}
	user, err := v.LookupPath(cue.ParsePath("service_user")).String()
	if err != nil || user != "postgres" {
		t.Errorf("expected default service user postgres, got %q (%v)", user, err)
	}

	bad := postgres.Unify(sr.ctx.CompileString(`version: "9.6"`))
	if err := bad.Validate(cue.Concrete(true)); err == nil {
		t.Error("expected version without package release to be rejected")
	}
}
