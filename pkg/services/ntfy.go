package services

import "github.com/openfroyo/mailstack/pkg/pipeline"

// Ntfy installs the ntfy notification server.
type Ntfy struct {
	Domain  string
	Project string
	Bucket  Bucket
}

// Service describes the ntfy pipeline.
func (n *Ntfy) Service() pipeline.Service {
	return pipeline.Service{
		Name:        "ntfy",
		Prepare:     "ntfy/prepare.sh",
		Cron:        "ntfy/cron/cron",
		CronInstall: "ntfy/cron/install.sh",
		Backup: pipeline.Artifact{
			Source: "ntfy/cron/ntfy-backup.tmpl",
			Params: backupParams(n.Project, n.Bucket),
		},
		Systemd: "ntfy/systemd/ntfy.service",
		Compose: pipeline.Artifact{
			Source:     "ntfy/docker-compose.yml.tmpl",
			Params:     map[string]any{"domain": n.Domain},
			RemotePath: "/opt/ntfy/docker-compose.yml",
		},
		Config: pipeline.Artifact{
			Source:     "ntfy/config/server.yml.tmpl",
			Params:     map[string]any{"domain": n.Domain},
			RemotePath: "/opt/ntfy/config/server.yml",
			Archive:    "ntfy_server.yml",
		},
		Version: pipeline.VersionFromImage("ntfy"),
		Install: pipeline.Artifact{
			Source: "ntfy/install.sh.tmpl",
			Params: map[string]any{
				"project": n.Project,
				"bucket":  n.Bucket.params(),
			},
			Archive: "ntfy_install.sh",
		},
		PostInstallScript: "ntfy/postinstall.sh",
	}
}
