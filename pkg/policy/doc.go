// Package policy gates provisioning graphs with Open Policy Agent.
//
// Before a pass dispatches anything, the scheduled graph is converted into
// an Input document (node ids, kinds, copy destinations, modes, edges and
// levels) and evaluated against every enabled policy. A policy is a Rego
// module whose package defines a deny set:
//
//	package mailstack.policies.tmp
//
//	import rego.v1
//
//	deny contains violation if {
//		some node in input.nodes
//		startswith(node.remote_path, "/tmp/")
//		violation := {"message": "copies must not target /tmp", "node": node.id}
//	}
//
// Entries may be plain strings or objects with message, node and severity.
// Violations with error severity make the Result disallowed; anything else
// is reported as a warning.
//
// Built-in policies reject copy destinations that are directories or climb
// out of their parent. They also keep copies away from authentication and
// boot files, reject world-writable modes and warn about node ids outside
// the remote-copy-* and remote-command-* scheme.
// Additional policies are loaded from .rego files, whose header comment may
// carry a "# severity: error" line, and from JSON policy definitions.
package policy
