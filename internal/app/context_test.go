package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentkyc/internal/config"
	"agentkyc/internal/db"
	"agentkyc/internal/mail"
)

func TestOpenDefaultsToSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), dir, viper.New())
	require.NoError(t, err)
	defer rt.Close()

	assert.FileExists(t, db.Path(dir))
	assert.Equal(t, "/v1", rt.Config.Server.BasePath)
	assert.Nil(t, rt.Redis)
	assert.Nil(t, rt.Limiter())
	assert.Nil(t, rt.ServerConfig().Limiter)
	assert.False(t, mail.Configured(rt.Engine.Mailer))

	stats, err := rt.Engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestOpenAppliesFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	yml := "automation:\n  max_auto_approvals_per_day: 3\nemail:\n  postmark_token: file-token\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(yml), 0o644))

	mr := miniredis.RunT(t)
	v := viper.New()
	v.Set("automation.auto_approval_enabled", true)
	v.Set("rate_limit.redis_addr", mr.Addr())
	v.Set("auth.admin_token", "secret")

	rt, err := Open(context.Background(), dir, v)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, 3, rt.Config.Automation.MaxAutoApprovalsPerDay)
	assert.True(t, rt.Config.Automation.AutoApprovalEnabled)
	assert.True(t, mail.Configured(rt.Engine.Mailer))

	limiter := rt.Limiter()
	require.NotNil(t, limiter)
	ok, _, err := limiter.Allow(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, ok)

	sc := rt.ServerConfig()
	assert.Equal(t, "secret", sc.Auth.AdminToken)
	assert.NotNil(t, sc.Limiter)
}

func TestOpenRejectsInvalidOverrides(t *testing.T) {
	v := viper.New()
	v.Set("database.driver", "mysql")
	_, err := Open(context.Background(), t.TempDir(), v)
	require.Error(t, err)
}

func TestNewMailer(t *testing.T) {
	cfg := config.Default()
	assert.IsType(t, mail.Disabled{}, NewMailer(cfg))
	cfg.Email.PostmarkToken = "tok"
	assert.IsType(t, &mail.Postmark{}, NewMailer(cfg))
}
