package services

import (
	"fmt"
	"strings"

	"github.com/openfroyo/mailstack/pkg/future"
	"github.com/openfroyo/mailstack/pkg/pipeline"
	"github.com/openfroyo/mailstack/pkg/secrets"
)

// Secret keys read for Mailcow.
const (
	SecretMailcowDBUser       = "mailcow-db-user"
	SecretMailcowDBRoot       = "mailcow-db-root"
	SecretMailcowRedis        = "mailcow-redis"
	SecretMailcowAPIReadWrite = "mailcow-api-read-write"
	SecretMailcowAPIRead      = "mailcow-api-read"
)

// MailcowSecrets holds the deferred credentials rendered into Mailcow's
// configuration.
type MailcowSecrets struct {
	DBUser       *future.Future[string]
	DBRoot       *future.Future[string]
	Redis        *future.Future[string]
	APIReadWrite *future.Future[string]
	APIRead      *future.Future[string]
}

// LookupMailcowSecrets reads the Mailcow credentials from src on demand.
func LookupMailcowSecrets(src secrets.Source) MailcowSecrets {
	return MailcowSecrets{
		DBUser:       secrets.Lookup(src, SecretMailcowDBUser),
		DBRoot:       secrets.Lookup(src, SecretMailcowDBRoot),
		Redis:        secrets.Lookup(src, SecretMailcowRedis),
		APIReadWrite: secrets.Lookup(src, SecretMailcowAPIReadWrite),
		APIRead:      secrets.Lookup(src, SecretMailcowAPIRead),
	}
}

// Mailcow installs mailcow-dockerized.
type Mailcow struct {
	// Domain is the main mail domain. The host name is mail.<Domain>.
	Domain string

	// AcmeEmail is the Let's Encrypt contact.
	AcmeEmail string

	// DkimSignHeaders are joined with ":" for rspamd.
	DkimSignHeaders []string

	Project string
	Bucket  Bucket

	// IPv4 and IPv6 are the public addresses used for source NAT.
	IPv4 *future.Future[string]
	IPv6 *future.Future[string]

	Secrets MailcowSecrets
}

// Mailname returns the mail server host name for domain.
func Mailname(domain string) string {
	return fmt.Sprintf("mail.%s", domain)
}

// Service describes the Mailcow pipeline.
func (m *Mailcow) Service() pipeline.Service {
	mailname := Mailname(m.Domain)

	return pipeline.Service{
		Name:        "mailcow",
		Prepare:     "mailcow/prepare.sh",
		Cron:        "mailcow/cron/cron",
		CronInstall: "mailcow/cron/install.sh",
		Backup: pipeline.Artifact{
			Source: "mailcow/cron/mailcow-backup.tmpl",
			Params: backupParams(m.Project, m.Bucket),
		},
		Systemd: "mailcow/systemd/mailcow.service",
		Compose: pipeline.Artifact{
			Source: "mailcow/docker-compose.override.yml.tmpl",
			Params: map[string]any{
				"mailname": mailname,
				"apiKey":   m.Secrets.APIRead,
			},
			RemotePath: "/opt/mailcow/docker-compose.override.yml",
		},
		Config: pipeline.Artifact{
			Source: "mailcow/config/mailcow.conf.tmpl",
			Params: map[string]any{
				"mailname": mailname,
				"db": map[string]any{
					"user": m.Secrets.DBUser,
					"root": m.Secrets.DBRoot,
				},
				"redis": map[string]any{"password": m.Secrets.Redis},
				"api": map[string]any{
					"readWrite": m.Secrets.APIReadWrite,
					"read":      m.Secrets.APIRead,
				},
				"ip": map[string]any{
					"v4": orEmpty(m.IPv4),
					"v6": orEmpty(m.IPv6),
				},
				"acme": map[string]any{"email": m.AcmeEmail},
			},
			RemotePath: "/opt/mailcow/mailcow.conf",
			Mode:       0o600,
			Archive:    "mailcow_mailcow.conf",
		},
		Version: pipeline.VersionFromComment("version"),
		Install: pipeline.Artifact{
			Source: "mailcow/install.sh.tmpl",
			Params: map[string]any{
				"bucket":          m.Bucket.params(),
				"dkimSignHeaders": strings.Join(m.DkimSignHeaders, ":"),
			},
			RemotePath: "/opt/mailcow/install.sh",
			Archive:    "mailcow_install.sh",
		},
		InstallCommand:   "bash /opt/mailcow/install.sh",
		InstallAfterCron: true,
		PostInstall: []pipeline.Artifact{
			{
				Name:       "postfix-body-checks",
				Source:     "mailcow/config/body_checks.pcre",
				RemotePath: "/opt/mailcow/data/conf/postfix/body_checks.pcre",
			},
			{
				Name:       "postfix-client-headers",
				Source:     "mailcow/config/client_headers.pcre",
				RemotePath: "/opt/mailcow/data/conf/postfix/client_headers.pcre",
			},
			{
				Name:       "postfix-extra",
				Source:     "mailcow/config/extra.cf",
				RemotePath: "/opt/mailcow/data/conf/postfix/extra.cf",
			},
		},
		PostInstallScript: "mailcow/postinstall.sh",
	}
}

func orEmpty(f *future.Future[string]) *future.Future[string] {
	if f == nil {
		return future.Resolved("")
	}
	return f
}
