// Package config loads mailstack deployment files.
//
// A deployment is written in CUE, usually as mailstack.cue:
//
//	environment: "production"
//	project:     "example"
//	server: {
//	    name: "mail-1"
//	    user: "root"
//	}
//	backup: bucketId: "backups"
//	mail: {
//	    domain:    "example.com"
//	    acmeEmail: "postmaster@example.com"
//	}
//	ntfy: domain: "ntfy.example.com"
//
// The file is unified with the built-in #Deployment schema, which supplies
// defaults and rejects unknown fields, decoded into Config and checked with
// validator struct tags plus a few rules spanning sections.
//
// An optional Starlark script (variables.star, or the file named by the
// variables field) computes extra template variables. It sees the
// deployment as the predeclared dict "deployment"; its public globals
// become Config.Vars and reach every template as .vars. Scripts have no
// filesystem or network access and run under a timeout.
//
// Errors in the deployment are reported as ValidationErrors carrying file
// positions for CUE errors and field paths for validation failures.
package config
