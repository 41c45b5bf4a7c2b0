package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "be-crm-leads", cfg.Service.Name)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 8086, cfg.Server.Port)
	require.Equal(t, 500, cfg.Allocation.MaxQuantityPerConsultant)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.yaml")
	content := `
service:
  environment: production
server:
  port: 9000
  shutdown_timeout: 5s
database:
  driver: sqlite
  path: /var/lib/leads.db
allocation:
  max_quantity_per_consultant: 50
  allow_manager_recipients: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "production", cfg.Service.Environment)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "/var/lib/leads.db", cfg.Database.Path)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	require.Equal(t, 50, cfg.Allocation.MaxQuantityPerConsultant)
	require.True(t, cfg.Allocation.AllowManagerRecipients)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("bad port in env", func(t *testing.T) {
		t.Setenv("GRPC_PORT", "not-a-number")
		_, err := Load("")
		require.ErrorContains(t, err, "GRPC_PORT")
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "oracle")
		_, err := Load("")
		require.ErrorContains(t, err, "unsupported database driver")
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.GRPCPort = cfg.Server.Port
	require.ErrorContains(t, cfg.Validate(), "must differ")

	cfg = Default()
	cfg.Allocation.MaxQuantityPerConsultant = 0
	require.Error(t, cfg.Validate())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 5433, Database: "leads", SSLMode: "require"}
	require.Equal(t, "postgres://u:p@db:5433/leads?sslmode=require", d.DSN())
}
