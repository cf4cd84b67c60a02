package policy

// BuiltinPolicies returns the policies every graph is checked against.
func BuiltinPolicies() []Policy {
	return []Policy{
		destinationPathsPolicy(),
		protectedPathsPolicy(),
		fileModesPolicy(),
		nodeNamingPolicy(),
	}
}

// destinationPathsPolicy rejects copy destinations that name a directory or
// climb out of their parent.
func destinationPathsPolicy() Policy {
	return Policy{
		Name:        "destination-paths",
		Description: "Copy destinations must be clean file paths",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package mailstack.policies.paths

import rego.v1

deny contains violation if {
	some node in input.nodes
	node.kind == "CopyFile"
	endswith(node.remote_path, "/")
	violation := {
		"message": sprintf("copy destination '%s' is a directory", [node.remote_path]),
		"node": node.id,
	}
}

deny contains violation if {
	some node in input.nodes
	node.kind == "CopyFile"
	contains(node.remote_path, "/../")
	violation := {
		"message": sprintf("copy destination '%s' escapes its directory", [node.remote_path]),
		"node": node.id,
	}
}
`,
	}
}

// protectedPathsPolicy keeps copies away from files that control access to
// the host.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Copies must not overwrite authentication or boot files",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package mailstack.policies.protected

import rego.v1

protected_files := {
	"/etc/passwd",
	"/etc/shadow",
	"/etc/group",
	"/etc/gshadow",
	"/etc/sudoers",
	"/root/.ssh/authorized_keys",
}

protected_prefixes := ["/boot/", "/proc/", "/sys/", "/dev/", "/etc/ssh/", "/etc/sudoers.d/"]

deny contains violation if {
	some node in input.nodes
	node.kind == "CopyFile"
	node.remote_path in protected_files
	violation := {
		"message": sprintf("copy overwrites protected file '%s'", [node.remote_path]),
		"node": node.id,
	}
}

deny contains violation if {
	some node in input.nodes
	node.kind == "CopyFile"
	some prefix in protected_prefixes
	startswith(node.remote_path, prefix)
	violation := {
		"message": sprintf("copy writes under protected directory '%s'", [prefix]),
		"node": node.id,
	}
}
`,
	}
}

// fileModesPolicy rejects world-writable copies.
func fileModesPolicy() Policy {
	return Policy{
		Name:        "file-modes",
		Description: "Copied files must not be world-writable",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package mailstack.policies.modes

import rego.v1

deny contains violation if {
	some node in input.nodes
	node.kind == "CopyFile"
	node.mode
	bits.and(node.mode, 2) != 0
	violation := {
		"message": sprintf("copy to '%s' is world-writable", [node.remote_path]),
		"node": node.id,
	}
}
`,
	}
}

// nodeNamingPolicy warns about node ids outside the remote-copy-* and
// remote-command-* scheme that state rows are keyed by.
func nodeNamingPolicy() Policy {
	return Policy{
		Name:        "node-naming",
		Description: "Node ids follow the remote-copy-* and remote-command-* scheme",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package mailstack.policies.naming

import rego.v1

pattern := "^remote-(copy|command)-[a-z0-9]+([.-][a-z0-9]+)*$"

deny contains violation if {
	some node in input.nodes
	not regex.match(pattern, node.id)
	violation := {
		"message": sprintf("node id '%s' does not follow the naming scheme", [node.id]),
		"node": node.id,
	}
}

deny contains violation if {
	some node in input.nodes
	node.kind == "CopyFile"
	not startswith(node.id, "remote-copy-")
	violation := {
		"message": sprintf("copy node '%s' should be named remote-copy-*", [node.id]),
		"node": node.id,
	}
}
`,
	}
}
