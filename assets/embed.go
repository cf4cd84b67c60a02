// Package assets embeds the scripts and templates installed on the host.
package assets

import "embed"

// FS holds the asset tree, one directory per service.
//
//go:embed docker mailcow ntfy
var FS embed.FS
