package config

import (
	"fmt"

	"github.com/mikeyg42/streamqc/internal/archive"
	"github.com/mikeyg42/streamqc/internal/audit"
	"github.com/mikeyg42/streamqc/internal/crypto"
)

// revealSecrets decrypts sealed ("enc:") credentials of the enabled storage
// sections in place. Disabled sections are left untouched so a config can
// carry sealed values without the master key.
func (c *Config) revealSecrets(masterKey string) error {
	type secret struct {
		name  string
		value *string
	}
	var secrets []secret
	if c.Audit.Enabled {
		secrets = append(secrets,
			secret{"audit.dsn", &c.Audit.DSN},
			secret{"audit.password", &c.Audit.Password},
		)
	}
	if c.Archive.Enabled {
		secrets = append(secrets,
			secret{"archive.access_key_id", &c.Archive.AccessKeyID},
			secret{"archive.secret_access_key", &c.Archive.SecretAccessKey},
		)
	}

	for _, s := range secrets {
		plain, err := crypto.Reveal(*s.value, masterKey)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.value = plain
	}
	return nil
}

// AuditConfig maps the [audit] section to the audit store configuration
func (c *Config) AuditConfig() audit.Config {
	return audit.Config{
		Driver:         c.Audit.Driver,
		DSN:            c.Audit.DSN,
		Host:           c.Audit.Host,
		Port:           c.Audit.Port,
		Database:       c.Audit.Database,
		Username:       c.Audit.Username,
		Password:       c.Audit.Password,
		SSLMode:        c.Audit.SSLMode,
		MaxConnections: c.Audit.MaxConnections,
		MaxRetries:     c.Audit.MaxRetries,
		RetryBackoff:   c.Audit.RetryBackoff.Duration,
	}
}

// ArchiveConfig maps the [archive] section to the report store configuration
func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		Endpoint:        c.Archive.Endpoint,
		AccessKeyID:     c.Archive.AccessKeyID,
		SecretAccessKey: c.Archive.SecretAccessKey,
		UseSSL:          c.Archive.UseSSL,
		Bucket:          c.Archive.Bucket,
		Region:          c.Archive.Region,
		Prefix:          c.Archive.Prefix,
		RequestTimeout:  c.Archive.RequestTimeout.Duration,
		MaxRetries:      c.Archive.MaxRetries,
		RetryBackoff:    c.Archive.RetryBackoff.Duration,
	}
}
