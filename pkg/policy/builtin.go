package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		openTrustPolicy(),
		openPasswordPolicy(),
		cleartextPasswordPolicy(),
	}
}

// anyHost is shared by the built-ins. Addresses are normalized by the
// access control parser, so an address with a separate netmask arrives as
// "addr/mask".
const anyHost = `
any_host(addr) if addr in {"all", "0.0.0.0/0", "::/0", "0.0.0.0/0.0.0.0", "::0/0"}

remote(rule) if rule.type != "local"
`

// openTrustPolicy denies passwordless access from any host.
func openTrustPolicy() Policy {
	return Policy{
		Name:        "open-trust",
		Description: "Denies trust authentication for connections from any host",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package pgprov.access.trust

import rego.v1
` + anyHost + `
deny contains finding if {
	some rule in input.rules
	remote(rule)
	any_host(rule.address)
	rule.method == "trust"
	finding := {
		"message": sprintf("line %d: trust authentication from any host lets anyone connect as %s without a password", [rule.line, rule.user]),
		"severity": "error",
		"line": rule.line,
	}
}
`,
	}
}

// openPasswordPolicy reports the permissive default rule: every user and
// database reachable from any host with a password. Strict access makes it
// an error.
func openPasswordPolicy() Policy {
	return Policy{
		Name:        "open-password",
		Description: "Reports password authentication for all users and databases from any host",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package pgprov.access.password

import rego.v1
` + anyHost + `
password_methods := {"md5", "scram-sha-256", "password"}

default severity := "warning"

severity := "error" if input.strict_access

deny contains finding if {
	some rule in input.rules
	remote(rule)
	any_host(rule.address)
	rule.method in password_methods
	rule.database == "all"
	rule.user == "all"
	finding := {
		"message": sprintf("line %d: all users may reach all databases from any host with a %s password", [rule.line, rule.method]),
		"severity": severity,
		"line": rule.line,
	}
}
`,
	}
}

// cleartextPasswordPolicy warns about the password method on remote rules.
func cleartextPasswordPolicy() Policy {
	return Policy{
		Name:        "cleartext-password",
		Description: "Warns when remote connections send passwords in clear text",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package pgprov.access.cleartext

import rego.v1
` + anyHost + `
deny contains finding if {
	some rule in input.rules
	remote(rule)
	rule.method == "password"
	finding := {
		"message": sprintf("line %d: the password method sends passwords in clear text", [rule.line]),
		"severity": "warning",
		"line": rule.line,
	}
}
`,
	}
}
