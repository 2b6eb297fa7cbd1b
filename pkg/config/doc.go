// Package config loads the node configuration pgprov provisions from.
//
// # Overview
//
// A node file is written in CUE (.cue) or YAML (.yaml, .yml). Either form is
// unified with the built-in #Node schema, which supplies defaults and rejects
// unknown fields, then decoded into a NodeConfig and checked with struct tag
// validation. Role declarations and credentials are validated here too, so a
// bad role name fails at load time rather than halfway through a run.
//
// # Usage Example
//
//	loader := config.NewLoader(log.Logger)
//	cfg, err := loader.Load(ctx, "node.cue")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, ve := range verrs {
//	            fmt.Println(ve)
//	        }
//	    }
//	    return err
//	}
//
// # Configuration Structure
//
//	entity: "inventory-db"
//	app:    "inventory"
//
//	target: {
//	    host:        "10.0.4.12"
//	    user:        "admin"
//	    private_key: "~/.ssh/id_ed25519"
//	}
//
//	postgres: {
//	    version:       "9.6-1"
//	    initialize_db: true
//	}
//
//	roles: {
//	    reporting: {properties: "LOGIN", privileges: ["pg_read_all_data"]}
//	}
//
//	access: strict_access: true
//
// Omitted fields take the schema defaults: SSH port 22 as root with key
// authentication, server port 5432, 100 connections, 128MB shared buffers,
// service account postgres, alternate root /opt/pgprovision/postgres.
//
// # Error Handling
//
// Every failure is reported as ValidationErrors, each carrying the file,
// position (for CUE sources) and field path of the problem.
package config
